package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-mdraid/pkg/app/manage"
)

var writeMostlyClear bool

var assembleCmd = &cobra.Command{
	Use:   "assemble",
	Short: "Assemble an array and report its state",
	Long: `Assemble an array read-write from its members. Any pending resync or
recovery starts; use --wait to let it finish before the array is stopped.

Examples:
  mdraid assemble -m /dev/sdb1,/dev/sdc1 --wait`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(s *manage.Session) error { return nil })
	},
}

var addCmd = &cobra.Command{
	Use:   "add <device>...",
	Short: "Add fresh devices as spares",
	Long: `Write a new superblock to each device and add it to the array as a spare.
A degraded array starts recovery onto it straight away.

Examples:
  mdraid add -m /dev/sdb1 --wait /dev/sdc1`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(s *manage.Session) error { return s.Add(args) })
	},
}

var reAddCmd = &cobra.Command{
	Use:   "re-add <device>...",
	Short: "Return former members to the array",
	Long: `Add devices that still carry this array's superblock. With a bitmap only
the regions written while they were away are recovered.

Examples:
  mdraid re-add -m /dev/sdb1 /dev/sdc1`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(s *manage.Session) error { return s.ReAdd(args) })
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <device>...",
	Short: "Remove spares or failed members",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(s *manage.Session) error { return s.Remove(args) })
	},
}

var failCmd = &cobra.Command{
	Use:   "fail <device>...",
	Short: "Mark members faulty",
	Long: `Mark members faulty. The last working member of an array cannot be failed.

Examples:
  mdraid fail -m /dev/sdb1,/dev/sdc1 /dev/sdc1`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(s *manage.Session) error { return s.Fail(args) })
	},
}

var writeMostlyCmd = &cobra.Command{
	Use:   "write-mostly <device>...",
	Short: "Set or clear the write-mostly flag of members",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(s *manage.Session) error { return s.SetWriteMostly(args, !writeMostlyClear) })
	},
}

func init() {
	for _, c := range []*cobra.Command{assembleCmd, addCmd, reAddCmd, removeCmd, failCmd, writeMostlyCmd} {
		addArrayFlags(c)
		rootCmd.AddCommand(c)
	}
	writeMostlyCmd.Flags().BoolVar(&writeMostlyClear, "clear", false, "clear the flag instead of setting it")
}
