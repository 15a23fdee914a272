// Package randutil provides seeded randomness for the simulator.
package randutil

import (
	"math/big"
	rand "math/rand/v2"

	"github.com/ethereum/go-ethereum/common"
)

const (
	goldenRatio64 = 0x9e3779b97f4a7c15
)

// New returns a *rand.Rand seeded deterministically from seed, so a
// simulation run can be replayed.
func New(seed int64) *rand.Rand {
	u := uint64(seed)
	return rand.New(rand.NewPCG(mix(u), mix(u+goldenRatio64)))
}

func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// Address draws a non-zero account address.
func Address(r *rand.Rand) common.Address {
	for {
		var addr common.Address
		for i := 0; i < common.AddressLength; i += 8 {
			v := r.Uint64()
			for j := 0; j < 8 && i+j < common.AddressLength; j++ {
				addr[i+j] = byte(v >> (8 * j))
			}
		}
		if addr != (common.Address{}) {
			return addr
		}
	}
}

// Addresses draws n distinct addresses.
func Addresses(r *rand.Rand, n int) []common.Address {
	seen := make(map[common.Address]bool, n)
	out := make([]common.Address, 0, n)
	for len(out) < n {
		addr := Address(r)
		if seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

// Amount returns base plus a uniform extra in [0, spread).
func Amount(r *rand.Rand, base, spread *big.Int) *big.Int {
	out := new(big.Int).Set(base)
	if spread == nil || spread.Sign() <= 0 {
		return out
	}
	if spread.IsUint64() {
		return out.Add(out, new(big.Int).SetUint64(r.Uint64N(spread.Uint64())))
	}
	// Wider spreads only need to be roughly uniform for load generation.
	extra := new(big.Int).SetUint64(r.Uint64())
	return out.Add(out, extra.Mod(extra, spread))
}
