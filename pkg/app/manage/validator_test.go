package manage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-mdraid/pkg/app"
)

func TestCreateRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		request CreateRequest
		wantErr bool
	}{
		{
			name:    "valid",
			request: CreateRequest{Devices: []string{"/dev/sda1", "/dev/sdb1"}},
		},
		{
			name:    "degraded",
			request: CreateRequest{Devices: []string{"/dev/sda1", Missing}, RaidDisks: 2},
		},
		{
			name:    "no devices",
			wantErr: true,
		},
		{
			name:    "all missing",
			request: CreateRequest{Devices: []string{Missing, Missing}},
			wantErr: true,
		},
		{
			name:    "duplicate device",
			request: CreateRequest{Devices: []string{"/dev/sda1", "/dev/sda1"}},
			wantErr: true,
		},
		{
			name:    "raid disks disagree",
			request: CreateRequest{Devices: []string{"/dev/sda1"}, RaidDisks: 2},
			wantErr: true,
		},
		{
			name:    "metadata 0.90",
			request: CreateRequest{Devices: []string{"/dev/sda1"}, Metadata: "0.90"},
			wantErr: true,
		},
		{
			name:    "bad size",
			request: CreateRequest{Devices: []string{"/dev/sda1"}, Size: "big"},
			wantErr: true,
		},
		{
			name:    "bitmap chunk not a power of two",
			request: CreateRequest{Devices: []string{"/dev/sda1"}, Bitmap: true, BitmapChunk: "100K"},
			wantErr: true,
		},
		{
			name:    "write-mostly outsider",
			request: CreateRequest{Devices: []string{"/dev/sda1"}, WriteMostly: []string{"/dev/sdb1"}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, app.ErrCodeInvalidInput, app.ErrorCode(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestBadBlockRequestValidate(t *testing.T) {
	assert.NoError(t, (&BadBlockRequest{Device: "/dev/sda1", Sector: 8, Sectors: 8}).Validate())
	assert.Error(t, (&BadBlockRequest{Sector: 8, Sectors: 8}).Validate())
	assert.Error(t, (&BadBlockRequest{Device: "/dev/sda1", Sector: 8}).Validate())
	assert.Error(t, (&BadBlockRequest{Device: "/dev/sda1", Sector: ^uint64(0), Sectors: 2}).Validate())
}

func TestValidateAction(t *testing.T) {
	for _, a := range []string{"idle", "frozen", "resync", "recover", "check", "repair"} {
		assert.NoError(t, validateAction(a), a)
	}
	assert.Error(t, validateAction("reshape"))
}
