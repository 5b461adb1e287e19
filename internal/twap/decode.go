// Package twap decodes ComposableCoW TWAP conditional orders and derives the
// identities, part schedule and lifecycle status that follow from them.
package twap

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/twapindexer/internal/domain"
)

// maxInterval is the largest part interval the TWAP handler accepts.
const maxInterval = 365 * 24 * 60 * 60

// FixedSalt is the protocol-wide salt used when this service builds TWAP
// params on behalf of a client. Orders created elsewhere carry their own
// salt in the creation event, and that salt is what their orderId hashes.
var FixedSalt = common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000054e1")

// CreatedEventSignature is the ComposableCoW event announcing a new
// single conditional order.
const CreatedEventSignature = "ConditionalOrderCreated(address,(address,bytes32,bytes))"

// CreatedEventTopic is topic0 of ConditionalOrderCreated.
var CreatedEventTopic = ethcrypto.Keccak256Hash([]byte(CreatedEventSignature))

var (
	paramsArgs abi.Arguments
	dataArgs   abi.Arguments
)

func init() {
	paramsType, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "handler", Type: "address"},
		{Name: "salt", Type: "bytes32"},
		{Name: "staticInput", Type: "bytes"},
	})
	if err != nil {
		panic(fmt.Sprintf("twap: params abi type: %v", err))
	}
	paramsArgs = abi.Arguments{{Name: "params", Type: paramsType}}

	dataType, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "sellToken", Type: "address"},
		{Name: "buyToken", Type: "address"},
		{Name: "receiver", Type: "address"},
		{Name: "partSellAmount", Type: "uint256"},
		{Name: "minPartLimit", Type: "uint256"},
		{Name: "t0", Type: "uint256"},
		{Name: "n", Type: "uint256"},
		{Name: "t", Type: "uint256"},
		{Name: "span", Type: "uint256"},
		{Name: "appData", Type: "bytes32"},
	})
	if err != nil {
		panic(fmt.Sprintf("twap: data abi type: %v", err))
	}
	dataArgs = abi.Arguments{{Name: "data", Type: dataType}}
}

// Params is ComposableCoW's ConditionalOrderParams: the opaque form of a
// conditional order before its handler-specific static input is decoded.
type Params struct {
	Handler     common.Address
	Salt        [32]byte
	StaticInput []byte
}

// staticData mirrors the TWAP handler's Data struct for ABI conversion.
type staticData struct {
	SellToken      common.Address
	BuyToken       common.Address
	Receiver       common.Address
	PartSellAmount *big.Int
	MinPartLimit   *big.Int
	T0             *big.Int
	N              *big.Int
	T              *big.Int
	Span           *big.Int
	AppData        common.Hash
}

// DecodeParams unpacks the ABI-encoded params tuple carried in the event data.
func DecodeParams(data []byte) (Params, error) {
	vals, err := paramsArgs.Unpack(data)
	if err != nil {
		return Params{}, fmt.Errorf("twap: unpack params: %w: %w", domain.ErrMalformedEvent, err)
	}
	if len(vals) != 1 {
		return Params{}, fmt.Errorf("twap: unpack params: %w: got %d values", domain.ErrMalformedEvent, len(vals))
	}
	p, ok := abi.ConvertType(vals[0], new(Params)).(*Params)
	if !ok || p == nil {
		return Params{}, fmt.Errorf("twap: convert params: %w", domain.ErrMalformedEvent)
	}
	return *p, nil
}

// EncodeParams is the inverse of DecodeParams.
func EncodeParams(p Params) ([]byte, error) {
	out, err := paramsArgs.Pack(p)
	if err != nil {
		return nil, fmt.Errorf("twap: pack params: %w", err)
	}
	return out, nil
}

// OrderID returns keccak256(abi.encode(params)), the key ComposableCoW uses
// in singleOrders and the primary key of a stored order.
func OrderID(p Params) (common.Hash, error) {
	enc, err := EncodeParams(p)
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(enc), nil
}

// DecodeStaticInput unpacks and validates the TWAP handler's static input.
func DecodeStaticInput(input []byte) (domain.TwapData, error) {
	vals, err := dataArgs.Unpack(input)
	if err != nil {
		return domain.TwapData{}, fmt.Errorf("twap: unpack static input: %w: %w", domain.ErrMalformedEvent, err)
	}
	if len(vals) != 1 {
		return domain.TwapData{}, fmt.Errorf("twap: unpack static input: %w: got %d values", domain.ErrMalformedEvent, len(vals))
	}
	raw, ok := abi.ConvertType(vals[0], new(staticData)).(*staticData)
	if !ok || raw == nil {
		return domain.TwapData{}, fmt.Errorf("twap: convert static input: %w", domain.ErrMalformedEvent)
	}

	var errs []error
	field := func(name string, v *big.Int) uint64 {
		if v == nil || !v.IsUint64() {
			errs = append(errs, fmt.Errorf("%s out of range", name))
			return 0
		}
		return v.Uint64()
	}
	data := domain.TwapData{
		SellToken:      raw.SellToken,
		BuyToken:       raw.BuyToken,
		Receiver:       raw.Receiver,
		PartSellAmount: raw.PartSellAmount,
		MinPartLimit:   raw.MinPartLimit,
		StartTime:      field("t0", raw.T0),
		NumParts:       field("n", raw.N),
		Interval:       field("t", raw.T),
		Span:           field("span", raw.Span),
		AppData:        raw.AppData,
	}
	if len(errs) > 0 {
		return domain.TwapData{}, fmt.Errorf("twap: static input: %w: %w", domain.ErrInvalidOrder, errors.Join(errs...))
	}
	if err := Validate(data); err != nil {
		return domain.TwapData{}, err
	}
	return data, nil
}

// EncodeStaticInput is the inverse of DecodeStaticInput.
func EncodeStaticInput(d domain.TwapData) ([]byte, error) {
	raw := staticData{
		SellToken:      d.SellToken,
		BuyToken:       d.BuyToken,
		Receiver:       d.Receiver,
		PartSellAmount: orZero(d.PartSellAmount),
		MinPartLimit:   orZero(d.MinPartLimit),
		T0:             new(big.Int).SetUint64(d.StartTime),
		N:              new(big.Int).SetUint64(d.NumParts),
		T:              new(big.Int).SetUint64(d.Interval),
		Span:           new(big.Int).SetUint64(d.Span),
		AppData:        d.AppData,
	}
	out, err := dataArgs.Pack(raw)
	if err != nil {
		return nil, fmt.Errorf("twap: pack static input: %w", err)
	}
	return out, nil
}

// Validate applies the same bounds the TWAP handler enforces on-chain.
// Every violated rule is reported.
func Validate(d domain.TwapData) error {
	var errs []error
	if d.SellToken == d.BuyToken {
		errs = append(errs, errors.New("sell and buy token are equal"))
	}
	if d.SellToken == (common.Address{}) || d.BuyToken == (common.Address{}) {
		errs = append(errs, errors.New("zero token address"))
	}
	if d.PartSellAmount == nil || d.PartSellAmount.Sign() <= 0 {
		errs = append(errs, errors.New("part sell amount must be positive"))
	}
	if d.MinPartLimit == nil || d.MinPartLimit.Sign() <= 0 {
		errs = append(errs, errors.New("min part limit must be positive"))
	}
	if d.StartTime >= math.MaxUint32 {
		errs = append(errs, errors.New("start time exceeds uint32"))
	}
	if d.NumParts <= 1 || d.NumParts > math.MaxUint32 {
		errs = append(errs, fmt.Errorf("num parts %d out of range", d.NumParts))
	}
	if d.Interval == 0 || d.Interval > maxInterval {
		errs = append(errs, fmt.Errorf("interval %d out of range", d.Interval))
	}
	if d.Span > d.Interval {
		errs = append(errs, errors.New("span exceeds interval"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("twap: validate: %w: %w", domain.ErrInvalidOrder, errors.Join(errs...))
	}
	return nil
}

// Decoder turns raw creation events into TWAP orders for one deployment.
type Decoder struct {
	chainID uint64
	handler common.Address
}

// NewDecoder creates a Decoder accepting only orders governed by handler.
func NewDecoder(chainID uint64, handler common.Address) *Decoder {
	return &Decoder{chainID: chainID, handler: handler}
}

// Decode returns the order carried by ev. The returned order id is filled in
// whenever the outer params decode, even if the static input is invalid, so
// callers can log it.
func (d *Decoder) Decode(ev domain.RawCreationEvent) (domain.TwapOrder, error) {
	p, err := DecodeParams(ev.Params)
	if err != nil {
		return domain.TwapOrder{}, err
	}
	id, err := OrderID(p)
	if err != nil {
		return domain.TwapOrder{}, fmt.Errorf("twap: order id: %w: %w", domain.ErrMalformedEvent, err)
	}

	order := domain.TwapOrder{
		OrderID:     id,
		ChainID:     d.chainID,
		Owner:       ev.Owner,
		Handler:     p.Handler,
		Salt:        common.Hash(p.Salt),
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash,
	}
	if p.Handler != d.handler {
		return order, fmt.Errorf("twap: handler %s: %w", p.Handler.Hex(), domain.ErrUnsupportedHandler)
	}

	data, err := DecodeStaticInput(p.StaticInput)
	if err != nil {
		return order, err
	}
	order.TwapData = data
	return order, nil
}

func orZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return n
}
