package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/deploymenttheory/go-mdraid/internal/config"
	"github.com/deploymenttheory/go-mdraid/internal/device"
	"github.com/deploymenttheory/go-mdraid/internal/interfaces"
	"github.com/deploymenttheory/go-mdraid/internal/md"
)

// Context holds application-wide configuration and state
type Context struct {
	context.Context

	// Output preferences
	OutputFormat string
	Verbose      bool
	Quiet        bool
	NoColor      bool
	Out          io.Writer

	// Common timeouts
	DefaultTimeout time.Duration

	// Logger receives verbose and error messages
	Logger *logrus.Logger

	// Config supplies array defaults; nil uses the built-in ones
	Config *config.Config

	// Opener opens member devices by path
	Opener interfaces.BlockDeviceOpener

	// Progress reporting
	ProgressCallback func(message string, percent int)
}

// NewContext creates a new application context
func NewContext() *Context {
	return &Context{
		Context:        context.Background(),
		DefaultTimeout: 30 * time.Second,
		Logger:         logrus.StandardLogger(),
		Opener:         device.FileOpener{Exclusive: true},
	}
}

// WithTimeout creates a context with timeout
func (c *Context) WithTimeout(timeout time.Duration) (*Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(c.Context, timeout)
	newCtx := *c
	newCtx.Context = ctx
	return &newCtx, cancel
}

// SetProgress sets the progress callback function
func (c *Context) SetProgress(callback func(string, int)) {
	c.ProgressCallback = callback
}

// Progress reports progress if callback is set
func (c *Context) Progress(message string, percent int) {
	if c.ProgressCallback != nil {
		c.ProgressCallback(message, percent)
	}
}

// Log outputs a message based on verbosity settings
func (c *Context) Log(message string) {
	if !c.Quiet && c.Verbose {
		c.Logger.Info(message)
	}
}

// Error reports a failure. Quiet does not suppress it.
func (c *Context) Error(message string) {
	c.Logger.Error(message)
}

// Defaults returns the tunables new registries start with.
func (c *Context) Defaults() (md.Defaults, error) {
	if c.Config == nil {
		return md.DefaultDefaults(), nil
	}
	return c.Config.ArrayDefaults()
}

// NewRegistry returns an empty array registry using the configured defaults.
func (c *Context) NewRegistry() (*md.Registry, error) {
	d, err := c.Defaults()
	if err != nil {
		return nil, WrapError("invalid configuration", err)
	}
	return md.NewRegistry(d, c.Logger), nil
}

// OpenDevices opens every path. On failure the devices already opened are closed again.
func (c *Context) OpenDevices(paths []string) ([]interfaces.BlockDevice, error) {
	bdevs := make([]interfaces.BlockDevice, 0, len(paths))
	for _, p := range paths {
		bdev, err := c.Opener.OpenDevice(p)
		if err != nil {
			code := ErrorCode(err)
			if code == ErrCodeInternal {
				code = ErrCodeDeviceAccess
			}
			for _, b := range bdevs {
				err = multierr.Append(err, b.Close())
			}
			return nil, NewError(code, fmt.Sprintf("failed to open %s", p), err)
		}
		bdevs = append(bdevs, bdev)
	}
	return bdevs, nil
}
