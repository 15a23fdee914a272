package randutil

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsDeterministic(t *testing.T) {
	a, b := New(42), New(42)
	for range 10 {
		assert.Equal(t, a.Uint64(), b.Uint64())
	}
	assert.NotEqual(t, New(1).Uint64(), New(2).Uint64())
}

func TestAddresses(t *testing.T) {
	addrs := Addresses(New(7), 50)
	require.Len(t, addrs, 50)

	seen := make(map[common.Address]bool)
	for _, addr := range addrs {
		assert.NotEqual(t, common.Address{}, addr)
		assert.False(t, seen[addr], "duplicate %s", addr.Hex())
		seen[addr] = true
	}

	assert.Equal(t, addrs, Addresses(New(7), 50))
}

func TestAmount(t *testing.T) {
	r := New(3)
	base := big.NewInt(100)

	assert.Equal(t, "100", Amount(r, base, nil).String())
	assert.Equal(t, "100", Amount(r, base, big.NewInt(0)).String())

	for range 100 {
		v := Amount(r, base, big.NewInt(10))
		assert.True(t, v.Cmp(base) >= 0)
		assert.True(t, v.Cmp(big.NewInt(110)) < 0)
	}

	wide := new(big.Int).Lsh(big.NewInt(1), 80)
	v := Amount(r, base, wide)
	assert.True(t, v.Cmp(base) >= 0)
	assert.True(t, v.Cmp(new(big.Int).Add(base, wide)) < 0)
	assert.Equal(t, "100", base.String())
}
