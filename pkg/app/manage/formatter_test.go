package manage

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatOutput(t *testing.T) {
	color.NoColor = true
	r := &Result{
		Device:        "md1",
		Operation:     "fail",
		Members:       []string{"/dev/sdb1", "/dev/sdc1"},
		SyncAction:    "check",
		MismatchCount: 16,
		Degraded:      2,
		Elapsed:       time.Second,
	}

	var buf bytes.Buffer
	require.NoError(t, FormatOutput(&buf, r, "table"))
	assert.Equal(t, "md1: fail /dev/sdb1, /dev/sdc1\n  degraded by 2\n  Last sync: check, 16 sectors mismatched\n", buf.String())

	buf.Reset()
	require.NoError(t, FormatOutput(&buf, &Result{Device: "md0", Operation: "add"}, "table"))
	assert.Equal(t, "md0: add\n  all members in sync\n", buf.String())

	buf.Reset()
	require.NoError(t, FormatOutput(&buf, r, "json"))
	var decoded Result
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, *r, decoded)

	buf.Reset()
	require.NoError(t, FormatOutput(&buf, r, "yaml"))
	assert.Contains(t, buf.String(), "operation: fail")

	assert.Error(t, FormatOutput(&buf, r, "csv"))
}
