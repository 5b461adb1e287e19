package crypto

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettlementDomainSeparatorMainnet(t *testing.T) {
	sep := SettlementDomain(1, SettlementAddress).Separator()
	assert.Equal(t,
		"0xc078f884a2676e1345748b1feace7b0abee5d00ecadb6e574dcdd109a63e8943",
		sep.Hex(),
	)
}

func TestDomainSeparatorDependsOnChain(t *testing.T) {
	a := SettlementDomain(1, SettlementAddress).Separator()
	b := SettlementDomain(100, SettlementAddress).Separator()
	assert.NotEqual(t, a, b)
}

func testOrder() Order {
	return Order{
		SellToken:  common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
		BuyToken:   common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		Receiver:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		SellAmount: big.NewInt(1_000_000),
		BuyAmount:  big.NewInt(500),
		ValidTo:    4599,
		AppData:    common.HexToHash("0x01"),
		FeeAmount:  new(big.Int),
		SellKind:   true,
	}
}

func TestOrderDigestDeterministic(t *testing.T) {
	sep := SettlementDomain(1, SettlementAddress).Separator()
	o := testOrder()

	first := o.Digest(sep)
	second := o.Digest(sep)
	assert.Equal(t, first, second)

	o.ValidTo++
	assert.NotEqual(t, first, o.Digest(sep))
}

func TestOrderDigestKindMatters(t *testing.T) {
	sep := SettlementDomain(1, SettlementAddress).Separator()
	sell := testOrder()
	buy := testOrder()
	buy.SellKind = false
	assert.NotEqual(t, sell.Digest(sep), buy.Digest(sep))
}

func TestOrderUIDLayout(t *testing.T) {
	digest := common.HexToHash("0xabcdef")
	owner := common.HexToAddress("0x2222222222222222222222222222222222222222")

	uid := OrderUID(digest, owner, 0x01020304)
	require.Len(t, uid, OrderUIDLength)
	assert.Equal(t, digest.Bytes(), uid[:32])
	assert.Equal(t, owner.Bytes(), uid[32:52])
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, uid[52:])
}

func TestBigIntTo32Bytes(t *testing.T) {
	b := bigIntTo32Bytes(big.NewInt(258))
	require.Len(t, b, 32)
	assert.Equal(t, byte(0x01), b[30])
	assert.Equal(t, byte(0x02), b[31])
}
