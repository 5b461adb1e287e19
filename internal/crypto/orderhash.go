// Package crypto implements the EIP-712 hashing used by CoW Protocol to
// derive order digests and order UIDs. It never touches private keys.
package crypto

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// GPv2Order.Data type string from the settlement contract.
	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(address sellToken,address buyToken,address receiver,uint256 sellAmount,uint256 buyAmount,uint32 validTo,bytes32 appData,uint256 feeAmount,string kind,bool partiallyFillable,string sellTokenBalance,string buyTokenBalance)"),
	)

	kindSell     = ethcrypto.Keccak256([]byte("sell"))
	kindBuy      = ethcrypto.Keccak256([]byte("buy"))
	balanceERC20 = ethcrypto.Keccak256([]byte("erc20"))
)

const (
	// ProtocolName and ProtocolVersion are the settlement contract's EIP-712
	// domain name and version.
	ProtocolName    = "Gnosis Protocol"
	ProtocolVersion = "v2"

	// OrderUIDLength is digest (32) + owner (20) + validTo (4).
	OrderUIDLength = 56
)

// SettlementAddress is the GPv2Settlement deployment shared by every chain
// CoW Protocol runs on.
var SettlementAddress = common.HexToAddress("0x9008D19f58AAbD9eD0D60971565AA8510560ab41")

// Domain is the EIP-712 signing domain of a settlement contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

// SettlementDomain returns the canonical domain for chainID and settlement.
func SettlementDomain(chainID uint64, settlement common.Address) Domain {
	return Domain{
		Name:              ProtocolName,
		Version:           ProtocolVersion,
		ChainID:           chainID,
		VerifyingContract: settlement,
	}
}

// Separator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId, verifyingContract)).
func (d Domain) Separator() common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(d.Name)),
			ethcrypto.Keccak256([]byte(d.Version)),
			bigIntTo32Bytes(new(big.Int).SetUint64(d.ChainID)),
			common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
		),
	))
}

// Order is a GPv2Order.Data with ERC-20 balances on both sides.
type Order struct {
	SellToken         common.Address
	BuyToken          common.Address
	Receiver          common.Address
	SellAmount        *big.Int
	BuyAmount         *big.Int
	ValidTo           uint32
	AppData           common.Hash
	FeeAmount         *big.Int
	SellKind          bool // true for "sell", false for "buy"
	PartiallyFillable bool
}

// StructHash encodes and hashes o according to EIP-712.
func (o Order) StructHash() []byte {
	kind := kindBuy
	if o.SellKind {
		kind = kindSell
	}
	partial := new(big.Int)
	if o.PartiallyFillable {
		partial.SetUint64(1)
	}

	return ethcrypto.Keccak256(
		concatBytes(
			orderTypeHash,
			common.LeftPadBytes(o.SellToken.Bytes(), 32),
			common.LeftPadBytes(o.BuyToken.Bytes(), 32),
			common.LeftPadBytes(o.Receiver.Bytes(), 32),
			bigIntTo32Bytes(orZero(o.SellAmount)),
			bigIntTo32Bytes(orZero(o.BuyAmount)),
			bigIntTo32Bytes(new(big.Int).SetUint64(uint64(o.ValidTo))),
			o.AppData.Bytes(),
			bigIntTo32Bytes(orZero(o.FeeAmount)),
			kind,
			bigIntTo32Bytes(partial),
			balanceERC20,
			balanceERC20,
		),
	)
}

// Digest computes the final EIP-712 digest of o under domainSep:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func (o Order) Digest(domainSep common.Hash) common.Hash {
	return common.BytesToHash(eip712Hash(domainSep.Bytes(), o.StructHash()))
}

// OrderUID packs digest, owner and validTo into the 56-byte identifier the
// orderbook uses for an order.
func OrderUID(digest common.Hash, owner common.Address, validTo uint32) []byte {
	uid := make([]byte, 0, OrderUIDLength)
	uid = append(uid, digest.Bytes()...)
	uid = append(uid, owner.Bytes()...)
	var vt [4]byte
	binary.BigEndian.PutUint32(vt[:], validTo)
	return append(uid, vt[:]...)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// eip712Hash computes keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

func orZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return n
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
