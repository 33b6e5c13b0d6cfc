package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-mdraid/internal/device"
	"github.com/deploymenttheory/go-mdraid/internal/interfaces"
	"github.com/deploymenttheory/go-mdraid/internal/md"
	_ "github.com/deploymenttheory/go-mdraid/internal/raid1"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

const testDevSectors = types.Sb1DefaultDataOffset + 4096

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newMirror(t *testing.T, bitmap bool) (*md.Registry, *md.Array) {
	t.Helper()
	d := md.DefaultDefaults()
	d.SafemodeDelay = 10 * time.Millisecond
	d.Bitmap.ChunkSize = 64 << 10
	reg := md.NewRegistry(d, quietLogger())

	a, err := reg.Get(reg.FreeUnit())
	require.NoError(t, err)
	bdevs := []interfaces.BlockDevice{
		device.NewMemory("/dev/mem0", testDevSectors),
		device.NewMemory("/dev/mem1", testDevSectors),
	}
	require.NoError(t, a.Create(context.Background(), bdevs, md.CreateOptions{
		Level:       types.LevelRaid1,
		RaidDisks:   2,
		Minor:       1,
		AssumeClean: true,
		Bitmap:      bitmap,
	}))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return reg, a
}

func TestCollectorArrayGauges(t *testing.T) {
	reg, _ := newMirror(t, false)
	c := NewCollector(reg, quietLogger())

	expected := `
# HELP mdraid_array_raid_disks Number of member slots
# TYPE mdraid_array_raid_disks gauge
mdraid_array_raid_disks{array="md0"} 2
# HELP mdraid_array_active_disks Number of in-sync members
# TYPE mdraid_array_active_disks gauge
mdraid_array_active_disks{array="md0"} 2
# HELP mdraid_array_degraded Number of missing or failed members
# TYPE mdraid_array_degraded gauge
mdraid_array_degraded{array="md0"} 0
# HELP mdraid_array_size_bytes Exported array size in bytes
# TYPE mdraid_array_size_bytes gauge
mdraid_array_size_bytes{array="md0"} 2.097152e+06
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"mdraid_array_raid_disks", "mdraid_array_active_disks", "mdraid_array_degraded", "mdraid_array_size_bytes")
	require.NoError(t, err)

	assert.Equal(t, 0, testutil.CollectAndCount(c, "mdraid_bitmap_chunks"), "no bitmap configured")
	assert.Equal(t, 2, testutil.CollectAndCount(c, "mdraid_device_bad_blocks"))
}

func TestCollectorReportsFailedMember(t *testing.T) {
	reg, a := newMirror(t, true)
	require.NoError(t, a.SetFaulty(context.Background(), "/dev/mem1"))
	c := NewCollector(reg, quietLogger())

	expected := `
# HELP mdraid_array_degraded Number of missing or failed members
# TYPE mdraid_array_degraded gauge
mdraid_array_degraded{array="md0"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "mdraid_array_degraded"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "mdraid_bitmap_chunks"))

	problems, err := testutil.CollectAndLint(c)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestHandler(t *testing.T) {
	reg, _ := newMirror(t, false)
	h, err := Handler(reg, quietLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `mdraid_array_raid_disks{array="md0"} 2`)
	assert.Contains(t, string(body), "go_goroutines")
}
