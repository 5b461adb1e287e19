package main

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/twapindexer/internal/config"
	"github.com/alanyoungcy/twapindexer/internal/crypto"
	"github.com/alanyoungcy/twapindexer/internal/domain"
	"github.com/alanyoungcy/twapindexer/internal/twap"
)

type derivedPart struct {
	Index   uint64 `json:"index"`
	UID     string `json:"uid"`
	ValidTo uint32 `json:"valid_to"`
}

type derivedOrder struct {
	OrderID         string        `json:"order_id"`
	Owner           string        `json:"owner"`
	DomainSeparator string        `json:"domain_separator"`
	Anchor          uint64        `json:"anchor"`
	EndTime         uint64        `json:"end_time"`
	Parts           []derivedPart `json:"parts"`
}

// newDeriveCmd computes an order's id and part UIDs offline from its
// ABI-encoded params, without touching any store or RPC.
func newDeriveCmd() *cobra.Command {
	var (
		params     string
		owner      string
		chainID    uint64
		settlement string
		createdAt  int64
	)

	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Derive the order id and part UIDs of a TWAP order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := hexutil.Decode(params)
			if err != nil {
				return fmt.Errorf("derive: params: %w", err)
			}
			if !common.IsHexAddress(owner) {
				return fmt.Errorf("derive: invalid owner %q", owner)
			}

			p, err := twap.DecodeParams(raw)
			if err != nil {
				return err
			}
			id, err := twap.OrderID(p)
			if err != nil {
				return err
			}
			data, err := twap.DecodeStaticInput(p.StaticInput)
			if err != nil {
				return err
			}

			order := domain.TwapOrder{
				OrderID:  id,
				ChainID:  chainID,
				Owner:    common.HexToAddress(owner),
				Handler:  p.Handler,
				Salt:     p.Salt,
				TwapData: data,
			}
			if createdAt > 0 {
				ts := time.Unix(createdAt, 0).UTC()
				order.CreatedAt = &ts
			}
			anchor, ok := order.AnchorTimestamp()
			if !ok {
				return fmt.Errorf("derive: order has no start time, pass --created-at")
			}

			sep := crypto.SettlementDomain(chainID, common.HexToAddress(settlement)).Separator()
			parts, err := twap.Expand(order, anchor, sep)
			if err != nil {
				return err
			}

			out := derivedOrder{
				OrderID:         id.Hex(),
				Owner:           order.Owner.Hex(),
				DomainSeparator: sep.Hex(),
				Anchor:          anchor,
				EndTime:         twap.EndTime(data, anchor),
				Parts:           make([]derivedPart, len(parts)),
			}
			for i, part := range parts {
				out.Parts[i] = derivedPart{Index: part.Index, UID: part.PartID, ValidTo: part.ValidTo}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVar(&params, "params", "", "ABI-encoded (handler, salt, staticInput) tuple, 0x-prefixed")
	cmd.Flags().StringVar(&owner, "owner", "", "order owner address")
	cmd.Flags().Uint64Var(&chainID, "chain-id", 1, "chain id of the settlement domain")
	cmd.Flags().StringVar(&settlement, "settlement", config.DefaultSettlement, "settlement contract address")
	cmd.Flags().Int64Var(&createdAt, "created-at", 0, "creation block timestamp, required when t0 is zero")
	_ = cmd.MarkFlagRequired("params")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
