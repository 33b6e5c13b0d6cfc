package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-mdraid/pkg/app"
	"github.com/deploymenttheory/go-mdraid/pkg/app/detail"
)

var (
	// Member selection shared by detail and examine
	detailUnit  int
	detailMinor int
)

var detailCmd = &cobra.Command{
	Use:   "detail <device>...",
	Short: "Show array state without modifying members",
	Long: `Assemble an array read-only from its members, report its state and stop it
again. Nothing is written to the members.

Examples:
  # Show a two-way mirror
  mdraid detail /dev/sdb1 /dev/sdc1

  # As JSON, assembled as md3
  mdraid detail --unit 3 -o json /dev/sdb1 /dev/sdc1`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDetail(cmd, args, false)
	},
}

var examineCmd = &cobra.Command{
	Use:   "examine <device>...",
	Short: "Show the superblock of each member device",
	Long: `Read the v1 superblock, bitmap superblock and bad block log of each device
without assembling anything. Devices without a superblock are reported as
unreadable.

Examples:
  mdraid examine /dev/sdb1
  mdraid examine --metadata-minor 0 /dev/sdb1 /dev/sdc1`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detailUnit = -1
		return runDetail(cmd, args, true)
	},
}

func init() {
	rootCmd.AddCommand(detailCmd, examineCmd)

	detailCmd.Flags().IntVar(&detailUnit, "unit", -1, "md unit to assemble as (default lowest free)")
	for _, c := range []*cobra.Command{detailCmd, examineCmd} {
		c.Flags().IntVar(&detailMinor, "metadata-minor", -1, "superblock minor version 0, 1 or 2 (default probes all)")
	}
}

func runDetail(cmd *cobra.Command, devices []string, examine bool) error {
	ctx, err := newContext(cmd)
	if err != nil {
		return err
	}

	request := &detail.Request{
		Target: app.ArrayTarget{
			Devices: devices,
			Minor:   detailMinor,
			Unit:    detailUnit,
		},
		Examine: examine,
	}

	response, err := detail.Handle(ctx, request)
	if err != nil {
		return err
	}
	ctx.Log(detail.FormatSummary(response))

	return detail.FormatOutput(ctx.Out, response, ctx.OutputFormat)
}
