package oracle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DeriveWords returns n pseudo-random 256-bit words for a request, computed
// as keccak256(requestId || index) over 32-byte big-endian encodings. The
// output is deterministic so tests and replays can predict it.
func DeriveWords(id RequestID, n uint32) []*big.Int {
	words := make([]*big.Int, n)
	idWord := common.BigToHash(new(big.Int).SetUint64(uint64(id)))
	for i := uint32(0); i < n; i++ {
		index := common.BigToHash(big.NewInt(int64(i)))
		words[i] = new(big.Int).SetBytes(crypto.Keccak256(idWord.Bytes(), index.Bytes()))
	}
	return words
}
