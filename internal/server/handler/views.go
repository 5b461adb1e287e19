package handler

import (
	"math/big"
	"time"

	"github.com/alanyoungcy/twapindexer/internal/domain"
)

// orderView is the JSON shape of a TWAP order. Amounts are decimal strings
// because they routinely exceed 2^53.
type orderView struct {
	OrderID            string     `json:"order_id"`
	ChainID            uint64     `json:"chain_id"`
	Owner              string     `json:"owner"`
	Handler            string     `json:"handler"`
	Salt               string     `json:"salt"`
	SellToken          string     `json:"sell_token"`
	BuyToken           string     `json:"buy_token"`
	Receiver           string     `json:"receiver"`
	PartSellAmount     string     `json:"part_sell_amount"`
	MinPartLimit       string     `json:"min_part_limit"`
	StartTime          uint64     `json:"start_time"`
	NumParts           uint64     `json:"num_parts"`
	Interval           uint64     `json:"interval"`
	Span               uint64     `json:"span"`
	AppData            string     `json:"app_data"`
	CreatedAt          *time.Time `json:"created_at"`
	BlockNumber        uint64     `json:"block_number"`
	TxHash             string     `json:"tx_hash"`
	Status             string     `json:"status"`
	ExecutedSellAmount string     `json:"executed_sell_amount"`
	ExecutedBuyAmount  string     `json:"executed_buy_amount"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func newOrderView(o domain.TwapOrder) orderView {
	return orderView{
		OrderID:            o.OrderID.Hex(),
		ChainID:            o.ChainID,
		Owner:              o.Owner.Hex(),
		Handler:            o.Handler.Hex(),
		Salt:               o.Salt.Hex(),
		SellToken:          o.SellToken.Hex(),
		BuyToken:           o.BuyToken.Hex(),
		Receiver:           o.Receiver.Hex(),
		PartSellAmount:     amount(o.PartSellAmount),
		MinPartLimit:       amount(o.MinPartLimit),
		StartTime:          o.StartTime,
		NumParts:           o.NumParts,
		Interval:           o.Interval,
		Span:               o.Span,
		AppData:            o.AppData.Hex(),
		CreatedAt:          o.CreatedAt,
		BlockNumber:        o.BlockNumber,
		TxHash:             o.TxHash.Hex(),
		Status:             string(o.Status),
		ExecutedSellAmount: amount(o.ExecutedSellAmount),
		ExecutedBuyAmount:  amount(o.ExecutedBuyAmount),
		UpdatedAt:          o.UpdatedAt,
	}
}

type partView struct {
	PartID  string `json:"part_id"`
	Index   uint64 `json:"index"`
	ValidTo uint32 `json:"valid_to"`
}

type transitionView struct {
	Previous    string    `json:"previous,omitempty"`
	Current     string    `json:"current"`
	BlockNumber uint64    `json:"block_number"`
	CreatedAt   time.Time `json:"created_at"`
}

type deadLetterView struct {
	BlockNumber uint64    `json:"block_number"`
	LogIndex    uint      `json:"log_index"`
	TxHash      string    `json:"tx_hash"`
	Owner       string    `json:"owner"`
	OrderID     string    `json:"order_id,omitempty"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

func amount(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
