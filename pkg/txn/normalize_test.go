package txn

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txflow/pkg/types"
)

const router = "0x1111111254EEB25477B68fb85Ed929f73A960582"

func TestNormalizeQuantityDecimalRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	limit := new(big.Int).Lsh(big.NewInt(1), 256)

	for i := 0; i < 500; i++ {
		v := new(big.Int).Rand(rng, limit)
		got, err := NormalizeQuantity("value", types.NewQuantity(v.String()))
		require.NoError(t, err)

		decoded, err := hexutil.DecodeBig(got)
		require.NoError(t, err, got)
		assert.Zero(t, v.Cmp(decoded), "decimal %s encoded as %s", v, got)
	}
}

func TestNormalizeQuantityHexIsIdentity(t *testing.T) {
	for _, in := range []string{"0x0", "0x1", "0x00ff", "0xDEADbeef", "0X10", "0x2386f26fc10000"} {
		got, err := NormalizeQuantity("value", types.NewQuantity(in))
		require.NoError(t, err, in)
		assert.Equal(t, in, got)
	}
}

func TestNormalizeQuantityForms(t *testing.T) {
	got, err := NormalizeQuantity("gasLimit", types.QuantityFromUint64(21000))
	require.NoError(t, err)
	assert.Equal(t, "0x5208", got)

	got, err = NormalizeQuantity("value", types.QuantityFromBig(big.NewInt(1e18)))
	require.NoError(t, err)
	assert.Equal(t, "0xde0b6b3a7640000", got)

	got, err = NormalizeQuantity("value", types.Quantity{})
	require.NoError(t, err)
	assert.Empty(t, got, "absent quantities are omitted")

	got, err = NormalizeQuantity("value", types.NewQuantity("  "))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNormalizeQuantityRejectsMalformed(t *testing.T) {
	bad := []types.Quantity{
		types.NewQuantity("1.5"),
		types.NewQuantity("1e18"),
		types.NewQuantity("abc"),
		types.NewQuantity("-1"),
		types.NewQuantity("0x"),
		types.NewQuantity("0xzz"),
		types.QuantityFromBig(big.NewInt(-5)),
	}
	for _, q := range bad {
		_, err := NormalizeQuantity("value", q)
		assert.ErrorIs(t, err, ErrInvalidTransaction, "quantity %s should be rejected", q)
	}
}

func TestNormalize(t *testing.T) {
	tx := types.PreparedTx{
		To:           router,
		Data:         "0xa9059cbb",
		Value:        types.NewQuantity("500000000000000000"),
		ChainID:      8453,
		MaxFeePerGas: types.NewQuantity("0x3b9aca00"),
		Step:         "swap",
	}

	out, err := Normalize(tx)
	require.NoError(t, err)
	assert.Equal(t, router, out.To)
	assert.Equal(t, "0xa9059cbb", out.Data)
	assert.Equal(t, "0x6f05b59d3b20000", out.Value)
	assert.Equal(t, "0x3b9aca00", out.MaxFeePerGas)
	assert.Empty(t, out.Gas)
	assert.Empty(t, out.MaxPriorityFeePerGas)
	assert.Equal(t, types.ChainID(8453), out.ChainID)
	assert.Equal(t, "swap", out.Step)
}

func TestNormalizeDefaultsEmptyData(t *testing.T) {
	out, err := Normalize(types.PreparedTx{To: router, ChainID: 1})
	require.NoError(t, err)
	assert.Equal(t, "0x", out.Data)
	assert.Empty(t, out.Value)
}

func TestNormalizeRejectsBadShapes(t *testing.T) {
	cases := map[string]types.PreparedTx{
		"short address":   {To: "0x1234", ChainID: 1},
		"no prefix":       {To: "1111111254EEB25477B68fb85Ed929f73A960582", ChainID: 1},
		"odd data":        {To: router, Data: "0xabc", ChainID: 1},
		"non-hex data":    {To: router, Data: "0xzz", ChainID: 1},
		"missing chain":   {To: router},
		"bad from":        {To: router, From: "alice", ChainID: 1},
		"float value":     {To: router, ChainID: 1, Value: types.NewQuantity("0.5")},
		"bad gas literal": {To: router, ChainID: 1, GasLimit: types.NewQuantity("lots")},
	}

	for name, tx := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize(tx)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidTransaction)

			var inputErr *InputError
			assert.ErrorAs(t, err, &inputErr)
		})
	}
}
