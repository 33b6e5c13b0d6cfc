package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	_ "github.com/deploymenttheory/go-mdraid/internal/raid1"
	"github.com/deploymenttheory/go-mdraid/internal/types"
	"github.com/deploymenttheory/go-mdraid/pkg/app"
	"github.com/deploymenttheory/go-mdraid/pkg/app/detail"
	"github.com/deploymenttheory/go-mdraid/pkg/app/manage"
)

const imageSectors = types.Sb1DefaultDataOffset + 4096

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append(args, "--no-color", "--log-level", "error"))
	err := rootCmd.Execute()
	return out.String(), err
}

// executeEventually retries while a previous command is still releasing its members.
func executeEventually(t *testing.T, args ...string) string {
	t.Helper()
	var out string
	require.Eventually(t, func() bool {
		var err error
		out, err = execute(t, args...)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "mdraid %v", args)
	return out
}

func images(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, "disk"+string(rune('0'+i))+".img")
		f, err := os.Create(paths[i])
		require.NoError(t, err)
		require.NoError(t, f.Truncate(int64(imageSectors*types.SectorSize)))
		require.NoError(t, f.Close())
	}
	return paths
}

func TestCreateThenDetail(t *testing.T) {
	disks := images(t, 2)

	out, err := execute(t, "create", "--name", "backup", "--assume-clean", "-o", "json", disks[0], disks[1])
	require.NoError(t, err)
	var created manage.Result
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "create", created.Operation)
	assert.Equal(t, 0, created.Degraded)

	out = executeEventually(t, "detail", "-o", "json", disks[0], disks[1])
	var resp detail.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Array)
	assert.Equal(t, "backup", resp.Array.Name)
	assert.Equal(t, "raid1", resp.Array.Level)
	assert.Equal(t, 2, resp.Array.ActiveDisks)
	assert.True(t, resp.Healthy())

	out = executeEventually(t, "examine", "-o", "json", disks[0], disks[1])
	resp = detail.Response{}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Members, 2)
	assert.Equal(t, resp.Members[0].ArrayUUID, resp.Members[1].ArrayUUID)
	assert.Equal(t, "1.2", resp.Members[0].Metadata)
}

func TestCreateRejectsBadInput(t *testing.T) {
	disks := images(t, 1)
	_, err := execute(t, "create", "--metadata", "0.90", "-o", "table", disks[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid metadata version")
}

func TestConfigShow(t *testing.T) {
	out, err := execute(t, "config")
	require.NoError(t, err)

	var settings map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &settings))
	assert.Equal(t, "1.2", settings["metadata"])
	assert.Contains(t, settings, "bitmap")
	assert.Contains(t, settings, "sync")
}

func TestCreateWaitTimeout(t *testing.T) {
	t.Cleanup(func() {
		waitSync = false
		waitTimeout = 0
	})
	disks := images(t, 2)

	_, err := execute(t, "create", "--metadata", "1.2", "--wait", "--wait-timeout", "1ns", disks[0], disks[1])
	require.Error(t, err)
	assert.Equal(t, app.ErrCodeTimeout, app.ErrorCode(err))
	assert.Contains(t, err.Error(), "waiting for sync")

	// the array was still stopped cleanly
	executeEventually(t, "examine", "-o", "json", disks[0], disks[1])
}
