package cmd

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/deploymenttheory/go-mdraid/internal/md"
	"github.com/deploymenttheory/go-mdraid/internal/metrics"
	"github.com/deploymenttheory/go-mdraid/pkg/app"
)

var (
	serveArrays []string
	serveListen string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep arrays running and export metrics",
	Long: `Assemble each array given with --array and keep it running, serving
prometheus metrics until interrupted. On SIGINT or SIGTERM every array is
stopped cleanly.

Examples:
  mdraid serve --array /dev/sdb1,/dev/sdc1 --array /dev/sdd1,/dev/sde1
  mdraid serve --array /dev/sdb1,/dev/sdc1 --listen 127.0.0.1:9185`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringArrayVarP(&serveArrays, "array", "a", nil, "comma-separated members of one array (repeatable)")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "metrics listen address (default from config)")
	_ = serveCmd.MarkFlagRequired("array")
}

func runServe(cmd *cobra.Command, args []string) (err error) {
	ctx, err := newContext(cmd)
	if err != nil {
		return err
	}
	reg, err := ctx.NewRegistry()
	if err != nil {
		return err
	}

	defer func() {
		err = multierr.Append(err, stopAll(ctx, reg))
	}()
	for _, spec := range serveArrays {
		if err := assembleInto(ctx, reg, strings.Split(spec, ",")); err != nil {
			return err
		}
	}

	handler, err := metrics.Handler(reg, ctx.Logger)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	addr := serveListen
	if addr == "" {
		addr = cfg.Metrics.Listen
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		ctx.Logger.WithField("listen", addr).Info("serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return app.NewError(app.ErrCodeInternal, "metrics listener failed", err)
	case <-ctx.Done():
	}
	ctx.Logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ctx.DefaultTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func assembleInto(ctx *app.Context, reg *md.Registry, devices []string) error {
	target := app.ArrayTarget{Devices: devices, Minor: -1, Unit: reg.FreeUnit()}
	if err := target.Validate(); err != nil {
		return err
	}
	a, err := reg.Get(target.Unit)
	if err != nil {
		return app.WrapError("invalid unit", err)
	}
	bdevs, err := ctx.OpenDevices(devices)
	if err != nil {
		return err
	}
	if err := a.Assemble(ctx, bdevs, md.AssembleOptions{Minor: target.Minor}); err != nil {
		return app.WrapError("assembly failed: "+target.String(), err)
	}
	ctx.Logger.WithField("array", a.DevName()).Info("array assembled")
	return nil
}

func stopAll(ctx *app.Context, reg *md.Registry) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), ctx.DefaultTimeout)
	defer cancel()

	var err error
	for _, a := range reg.Arrays() {
		err = multierr.Append(err, a.Stop(stopCtx))
	}
	return err
}
