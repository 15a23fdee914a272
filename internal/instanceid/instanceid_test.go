package instanceid

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	id := Generate()
	require.Len(t, id, Length)
	require.NoError(t, Validate(id))
}

func TestGenerateUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := Generate()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestGenerateTimeSorted(t *testing.T) {
	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, Generate())
		time.Sleep(2 * time.Millisecond)
	}
	for i := 1; i < len(ids); i++ {
		assert.Negative(t, strings.Compare(ids[i-1], ids[i]), "%s should sort before %s", ids[i-1], ids[i])
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, id := range []uuid.UUID{
		{},
		uuid.Must(uuid.Parse("ffffffff-ffff-ffff-ffff-ffffffffffff")),
		uuid.Must(uuid.Parse("01890a5d-ac96-774b-bcce-b302099a8057")),
	} {
		encoded := Encode(id)
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, id, decoded, encoded)
	}

	assert.Equal(t, strings.Repeat("0", Length), Encode(uuid.UUID{}))
	assert.Equal(t, "7"+strings.Repeat("z", Length-1), Encode(uuid.Must(uuid.Parse("ffffffff-ffff-ffff-ffff-ffffffffffff"))))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid", "01h5n0et5q6mt3v7ms1234abcd", false},
		{"too short", "01h5n0et5q6mt3v7ms123", true},
		{"too long", "01h5n0et5q6mt3v7ms1234abcdef", true},
		{"first char too high", "81h5n0et5q6mt3v7ms1234abcd", true},
		{"excluded letter", "01h5n0et5q6mt3v7ms1234abci", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
