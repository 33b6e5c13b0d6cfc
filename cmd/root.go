package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-mdraid/internal/config"
	"github.com/deploymenttheory/go-mdraid/pkg/app"
)

var (
	// Global output flags
	verbose      bool
	quiet        bool
	noColor      bool
	outputFormat string
	configPath   string

	v   = viper.New()
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "mdraid",
	Short: "Software RAID1 arrays with v1 superblocks and write-intent bitmaps",
	Long: `mdraid creates, assembles and manages software RAID1 arrays on Linux-md
compatible v1.x superblocks.

Each command assembles the array from the listed member devices, performs its
operation and stops the array again, leaving the members clean. The serve
command keeps arrays running and exports their state as prometheus metrics.

Commands:
  create      Write superblocks and start a new array
  assemble    Assemble an array and report its state
  detail      Show array state without modifying members
  examine     Show the superblock of each member device
  add         Add spares, re-add returning members
  fail        Mark members faulty, remove them
  action      Run check, repair, resync or recovery
  serve       Keep arrays running and export metrics`,
	Version:       "0.1.0-dev",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			color.NoColor = true
		}
		var err error
		cfg, err = config.Load(v, configPath)
		return err
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		errorContext().Error(err.Error())
		stop()
		os.Exit(1)
	}
}

// errorContext reports failures with the configured logger when the config loaded.
func errorContext() *app.Context {
	ctx := app.NewContext()
	if cfg != nil {
		if logger, err := cfg.Log.NewLogger(os.Stderr); err == nil {
			ctx.Logger = logger
		}
	}
	return ctx
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default searches ./mdraid.yaml, $HOME/.mdraid, /etc/mdraid)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// newContext builds the application context for one command run.
func newContext(cmd *cobra.Command) (*app.Context, error) {
	logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	ctx := app.NewContext()
	ctx.Context = cmd.Context()
	ctx.OutputFormat = GetOutputFormat()
	ctx.Verbose = GetVerbose()
	ctx.Quiet = GetQuiet()
	ctx.NoColor = noColor
	ctx.Out = cmd.OutOrStdout()
	ctx.Logger = logger
	ctx.Config = cfg

	if ctx.Verbose && !ctx.Quiet {
		errOut := cmd.ErrOrStderr()
		ctx.SetProgress(func(message string, percent int) {
			fmt.Fprintf(errOut, "[%3d%%] %s\n", percent, message)
		})
	}
	return ctx, nil
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verbose
}

// GetQuiet returns the quiet flag value
func GetQuiet() bool {
	return quiet
}

// GetOutputFormat returns the output format
func GetOutputFormat() string {
	return outputFormat
}
