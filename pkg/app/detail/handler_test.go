package detail

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-mdraid/internal/device"
	"github.com/deploymenttheory/go-mdraid/internal/interfaces"
	"github.com/deploymenttheory/go-mdraid/internal/md"
	_ "github.com/deploymenttheory/go-mdraid/internal/raid1"
	"github.com/deploymenttheory/go-mdraid/internal/types"
	"github.com/deploymenttheory/go-mdraid/pkg/app"
)

const testDevSectors = types.Sb1DefaultDataOffset + 4096

// memOpener hands out in-memory devices by path.
type memOpener map[string]*device.Memory

func (o memOpener) OpenDevice(path string) (interfaces.BlockDevice, error) {
	d, ok := o[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, types.ErrNotFound)
	}
	return d, nil
}

func waitClosed(t *testing.T, devs memOpener) {
	t.Helper()
	for _, d := range devs {
		require.Eventually(t, d.Closed, 5*time.Second, 5*time.Millisecond)
		d.Reopen()
	}
}

func newTestContext(devs memOpener) *app.Context {
	log := logrus.New()
	log.SetOutput(io.Discard)
	ctx := app.NewContext()
	ctx.Logger = log
	ctx.Opener = devs
	return ctx
}

// createArray writes a clean two-way mirror to fresh devices and stops it again.
func createArray(t *testing.T) memOpener {
	t.Helper()
	devs := memOpener{
		"/dev/mem0": device.NewMemory("/dev/mem0", testDevSectors),
		"/dev/mem1": device.NewMemory("/dev/mem1", testDevSectors),
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	reg := md.NewRegistry(md.DefaultDefaults(), log)
	a, err := reg.Get(0)
	require.NoError(t, err)
	require.NoError(t, a.Create(context.Background(),
		[]interfaces.BlockDevice{devs["/dev/mem0"], devs["/dev/mem1"]},
		md.CreateOptions{Level: types.LevelRaid1, RaidDisks: 2, Name: "home", Minor: 2, AssumeClean: true}))
	require.NoError(t, a.Stop(context.Background()))
	waitClosed(t, devs)
	return devs
}

func TestHandleDetail(t *testing.T) {
	devs := createArray(t)
	ctx := newTestContext(devs)

	var progress []int
	ctx.SetProgress(func(_ string, percent int) { progress = append(progress, percent) })

	resp, err := Handle(ctx, &Request{
		Target: app.ArrayTarget{Devices: []string{"/dev/mem0", "/dev/mem1"}, Minor: -1, Unit: -1},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Array)

	s := resp.Array
	assert.Equal(t, "md0", s.Device)
	assert.Equal(t, "home", s.Name)
	assert.Equal(t, "raid1", s.Level)
	assert.Equal(t, "read-auto", s.State)
	assert.Equal(t, 2, s.RaidDisks)
	assert.Equal(t, 2, s.ActiveDisks)
	assert.Len(t, s.Devices, 2)
	assert.True(t, resp.Healthy())
	assert.Equal(t, 100, progress[len(progress)-1])

	waitClosed(t, devs)
	_, err = Handle(ctx, &Request{
		Target: app.ArrayTarget{Devices: []string{"/dev/mem0", "/dev/mem1"}, Minor: -1, Unit: 3},
	})
	require.NoError(t, err, "a read-only detail leaves the members assemblable")
}

func TestHandleDetailFailures(t *testing.T) {
	tests := []struct {
		name    string
		devices []string
		code    string
	}{
		{
			name:    "missing device",
			devices: []string{"/dev/mem0", "/dev/nope"},
			code:    app.ErrCodeNotFound,
		},
		{
			name:    "no superblock",
			devices: []string{"/dev/blank"},
			code:    app.ErrCodeSuperblock,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devs := memOpener{
				"/dev/mem0":  device.NewMemory("/dev/mem0", testDevSectors),
				"/dev/blank": device.NewMemory("/dev/blank", testDevSectors),
			}
			_, err := Handle(newTestContext(devs), &Request{
				Target: app.ArrayTarget{Devices: tt.devices, Minor: -1, Unit: -1},
			})
			require.Error(t, err)
			assert.Equal(t, tt.code, app.ErrorCode(err))
		})
	}
}

func TestHandleExamine(t *testing.T) {
	devs := createArray(t)
	devs["/dev/blank"] = device.NewMemory("/dev/blank", testDevSectors)
	ctx := newTestContext(devs)

	resp, err := Handle(ctx, &Request{
		Target:  app.ArrayTarget{Devices: []string{"/dev/mem0", "/dev/mem1", "/dev/blank"}, Minor: -1, Unit: -1},
		Examine: true,
	})
	require.NoError(t, err)
	assert.Nil(t, resp.Array)
	require.Len(t, resp.Members, 2)
	require.Len(t, resp.Failed, 1)

	assert.Equal(t, "active 0", resp.Members[0].Role)
	assert.Equal(t, "active 1", resp.Members[1].Role)
	assert.Equal(t, resp.Members[0].ArrayUUID, resp.Members[1].ArrayUUID)
	assert.Equal(t, "1.2", resp.Members[0].Metadata)
	assert.Equal(t, "/dev/blank", resp.Failed[0].Path)
	assert.False(t, resp.Healthy())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		request Request
		wantErr bool
	}{
		{
			name:    "valid",
			request: Request{Target: app.ArrayTarget{Devices: []string{"/dev/sda1"}, Unit: -1}},
		},
		{
			name:    "no devices",
			request: Request{Target: app.ArrayTarget{Unit: -1}},
			wantErr: true,
		},
		{
			name:    "duplicate device",
			request: Request{Target: app.ArrayTarget{Devices: []string{"/dev/sda1", "/dev/sda1"}, Unit: -1}},
			wantErr: true,
		},
		{
			name:    "unknown minor",
			request: Request{Target: app.ArrayTarget{Devices: []string{"/dev/sda1"}, Minor: 3, Unit: -1}},
			wantErr: true,
		},
		{
			name:    "examine with unit",
			request: Request{Target: app.ArrayTarget{Devices: []string{"/dev/sda1"}, Unit: 0}, Examine: true},
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
