package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/deploymenttheory/go-mdraid/pkg/app"
	"github.com/deploymenttheory/go-mdraid/pkg/app/manage"
)

var (
	// Array selection shared by the management commands
	members     []string
	arrayUnit   int
	memberMinor int
	waitSync    bool
	waitTimeout time.Duration
)

// addArrayFlags registers the flags that select the array a command assembles.
func addArrayFlags(c *cobra.Command) {
	c.Flags().StringSliceVarP(&members, "member", "m", nil, "member devices to assemble the array from (repeat or comma-separate)")
	c.Flags().IntVar(&arrayUnit, "unit", -1, "md unit to assemble as (default lowest free)")
	c.Flags().IntVar(&memberMinor, "metadata-minor", -1, "superblock minor version 0, 1 or 2 (default probes all)")
	c.Flags().BoolVarP(&waitSync, "wait", "w", false, "wait for resync or recovery to finish before stopping")
	c.Flags().DurationVar(&waitTimeout, "wait-timeout", 0, "give up waiting after this long (default no limit)")
	_ = c.MarkFlagRequired("member")
}

// withSession assembles the selected array, runs fn against it and stops the array again.
// The result is printed unless fn fails.
func withSession(cmd *cobra.Command, fn func(s *manage.Session) error) (err error) {
	ctx, err := newContext(cmd)
	if err != nil {
		return err
	}

	s, err := manage.Assemble(ctx, app.ArrayTarget{
		Devices: members,
		Minor:   memberMinor,
		Unit:    arrayUnit,
	})
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, s.Close())
	}()

	return finish(ctx, s, fn(s))
}

// finish waits for sync when asked and prints the session result.
func finish(ctx *app.Context, s *manage.Session, err error) error {
	if err != nil {
		return err
	}
	if waitSync {
		if err := s.WaitSync(waitTimeout); err != nil {
			return err
		}
	}
	return manage.FormatOutput(ctx.Out, s.Result(), ctx.OutputFormat)
}
