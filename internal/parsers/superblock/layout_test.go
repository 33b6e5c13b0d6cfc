package superblock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-mdraid/internal/types"
)

func TestSuperOffset(t *testing.T) {
	tests := []struct {
		name    string
		minor   int
		sectors uint64
		want    uint64
		wantErr bool
	}{
		{"1.0 at end, aligned", 0, 10000, 9984, false},
		{"1.0 at end, unaligned size", 0, 10005, 9984, false},
		{"1.1 at start", 1, 10000, 0, false},
		{"1.2 at 4K", 2, 10000, 8, false},
		{"unknown minor", 3, 10000, 0, true},
		{"1.0 tiny device", 0, 8, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SuperOffset(tt.minor, tt.sectors)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLayout(t *testing.T) {
	t.Run("1.2 with bitmap", func(t *testing.T) {
		l, err := NewLayout(2, 8192, 0, 3)
		require.NoError(t, err)
		assert.Equal(t, uint64(8), l.SbStart)
		assert.Equal(t, uint64(2048), l.DataOffset)
		assert.Equal(t, uint64(8192-2048), l.DataSize)
		assert.Equal(t, int32(8), l.BitmapOffset)
		assert.Equal(t, int32(2048-8-8), l.BBLogOffset)
		assert.Equal(t, uint64(2040), AbsOffset(l.SbStart, l.BBLogOffset))
	})

	t.Run("1.1 without bitmap", func(t *testing.T) {
		l, err := NewLayout(1, 8192, 4096, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), l.SbStart)
		assert.Equal(t, int32(0), l.BitmapOffset)
		assert.Equal(t, uint64(4096), l.DataOffset)
	})

	t.Run("1.0 keeps metadata at the end", func(t *testing.T) {
		l, err := NewLayout(0, 8192, 0, 8)
		require.NoError(t, err)
		assert.Equal(t, uint64(8176), l.SbStart)
		assert.Equal(t, uint64(0), l.DataOffset)
		assert.Equal(t, int32(-8), l.BBLogOffset)
		assert.Equal(t, int32(-16), l.BitmapOffset)
		assert.LessOrEqual(t, l.DataSize, AbsOffset(l.SbStart, l.BitmapOffset))
	})

	t.Run("bitmap does not fit", func(t *testing.T) {
		_, err := NewLayout(2, 8192, 64, 64)
		assert.ErrorIs(t, err, types.ErrInvalidArgument)
	})
}
