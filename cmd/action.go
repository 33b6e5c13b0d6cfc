package cmd

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-mdraid/internal/types"
	"github.com/deploymenttheory/go-mdraid/pkg/app"
	"github.com/deploymenttheory/go-mdraid/pkg/app/manage"
)

var (
	actionFrom uint64
	actionTo   uint64

	speedMin int
	speedMax int

	daemonSleep time.Duration

	badBlocksClear bool

	growRaidDevices int
	growSize        string
)

var actionCmd = &cobra.Command{
	Use:   "action <idle|frozen|resync|recover|check|repair>",
	Short: "Run check, repair, resync or recovery",
	Long: `Request a sync action. check counts mismatched sectors between mirrors,
repair also rewrites them. idle interrupts a running pass, frozen also keeps a
new one from starting.

Examples:
  # Scrub the first GiB and wait for the result
  mdraid action check -m /dev/sdb1,/dev/sdc1 --to 2097152 --wait`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"idle", "frozen", "resync", "recover", "check", "repair"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(s *manage.Session) error {
			if cmd.Flags().Changed("from") || cmd.Flags().Changed("to") {
				if err := s.SetResyncWindow(actionFrom, actionTo); err != nil {
					return err
				}
			}
			return s.SetAction(args[0])
		})
	},
}

var speedCmd = &cobra.Command{
	Use:   "speed",
	Short: "Override resync speed limits in KiB/s",
	Long: `Resync runs at up to --max KiB/s, and is only throttled below --min when
the array is busy with other I/O. Zero restores the configured default.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(s *manage.Session) error { return s.SetSpeed(speedMin, speedMax) })
	},
}

var bitmapCmd = &cobra.Command{
	Use:   "bitmap",
	Short: "Tune the write-intent bitmap",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(s *manage.Session) error { return s.SetDaemonSleep(daemonSleep) })
	},
}

var badBlocksCmd = &cobra.Command{
	Use:   "badblocks <device> <sector> <sectors>",
	Short: "Record or clear a bad block range on a member",
	Long: `Record a range of bad sectors in a member's bad block log, or clear it with
--clear. Sectors are relative to the start of the member's data area.

Examples:
  mdraid badblocks -m /dev/sdb1,/dev/sdc1 /dev/sdc1 81920 8`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &manage.BadBlockRequest{Device: args[0], Clear: badBlocksClear}
		var err error
		if req.Sector, err = parseSector(args[1]); err != nil {
			return err
		}
		if req.Sectors, err = parseSector(args[2]); err != nil {
			return err
		}
		return withSession(cmd, func(s *manage.Session) error { return s.BadBlocks(req) })
	},
}

var growCmd = &cobra.Command{
	Use:   "grow",
	Short: "Change the number of mirrors or the space used per member",
	Long: `Change the number of mirror slots with --raid-devices or the space used on
each member with --size ("max" uses all of it). Space gained is resynced.

Examples:
  mdraid grow -m /dev/sdb1,/dev/sdc1 --raid-devices 3
  mdraid grow -m /dev/sdb1,/dev/sdc1 --size max --wait`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(s *manage.Session) error { return s.Grow(growRaidDevices, growSize) })
	},
}

func parseSector(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n >= types.MaxSector {
		return 0, app.NewError(app.ErrCodeInvalidInput, "invalid sector number "+strconv.Quote(s), err)
	}
	return n, nil
}

func init() {
	for _, c := range []*cobra.Command{actionCmd, speedCmd, bitmapCmd, badBlocksCmd, growCmd} {
		addArrayFlags(c)
		rootCmd.AddCommand(c)
	}

	actionCmd.Flags().Uint64Var(&actionFrom, "from", 0, "first sector checked or repaired")
	actionCmd.Flags().Uint64Var(&actionTo, "to", types.MaxSector, "sector check or repair stops at")

	speedCmd.Flags().IntVar(&speedMin, "min", 0, "guaranteed resync speed in KiB/s")
	speedCmd.Flags().IntVar(&speedMax, "max", 0, "resync speed limit in KiB/s")

	bitmapCmd.Flags().DurationVar(&daemonSleep, "daemon-sleep", types.BitmapDefaultDaemonSleep, "how often clean bitmap chunks are cleared")

	badBlocksCmd.Flags().BoolVar(&badBlocksClear, "clear", false, "clear the range instead of recording it")

	growCmd.Flags().IntVarP(&growRaidDevices, "raid-devices", "n", 0, "new number of mirror slots")
	growCmd.Flags().StringVarP(&growSize, "size", "z", "", `space used on each member, or "max"`)
	growCmd.MarkFlagsOneRequired("raid-devices", "size")
}
