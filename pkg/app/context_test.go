package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedContext() (*Context, *bytes.Buffer) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	ctx := NewContext()
	ctx.Logger = log
	return ctx, &buf
}

func TestContextLogging(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		quiet   bool
		wantLog bool
	}{
		{"default", false, false, false},
		{"verbose", true, false, true},
		{"verbose and quiet", true, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, buf := newBufferedContext()
			ctx.Verbose = tt.verbose
			ctx.Quiet = tt.quiet

			ctx.Log("assembling md0")
			assert.Equal(t, tt.wantLog, bytes.Contains(buf.Bytes(), []byte("assembling md0")))

			ctx.Error("md0 failed")
			assert.Contains(t, buf.String(), "level=error", "errors are reported even when quiet")
		})
	}
}

func TestContextWithTimeout(t *testing.T) {
	ctx, _ := newBufferedContext()
	ctx.OutputFormat = "json"

	short, cancel := ctx.WithTimeout(time.Millisecond)
	defer cancel()
	assert.Equal(t, "json", short.OutputFormat)

	<-short.Done()
	require.ErrorIs(t, short.Err(), context.DeadlineExceeded)
	assert.NoError(t, ctx.Err(), "the parent is not cancelled")
	assert.Equal(t, ErrCodeTimeout, ErrorCode(WrapError("waiting", short.Err())))
}
