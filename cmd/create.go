package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/deploymenttheory/go-mdraid/pkg/app/manage"
)

var (
	createName        string
	createLevel       int
	createRaidDevices int
	createMetadata    string
	createSize        string
	createAssumeClean bool
	createBitmap      bool
	createBitmapChunk string
	createWriteMostly []string
	createUnit        int
)

var createCmd = &cobra.Command{
	Use:   "create <device|missing>...",
	Short: "Write superblocks and start a new array",
	Long: `Create a RAID1 array over the given devices. Each device gets a fresh v1
superblock; "missing" leaves its slot empty and the array starts degraded.

Unless --assume-clean is given the new array is resynced. Use --wait to stay
until the resync finishes.

Examples:
  # Two-way mirror with an internal bitmap
  mdraid create --name home /dev/sdb1 /dev/sdc1

  # Degraded mirror, second half added later
  mdraid create /dev/sdb1 missing

  # Metadata at the end of the device, 128MiB bitmap chunks
  mdraid create --metadata 1.0 --bitmap-chunk 128M /dev/sdb1 /dev/sdc1`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCreate,
}

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().StringVarP(&createName, "name", "N", "", "array name stored in the superblock")
	createCmd.Flags().IntVarP(&createLevel, "level", "l", 1, "raid level")
	createCmd.Flags().IntVarP(&createRaidDevices, "raid-devices", "n", 0, "number of slots (default number of devices listed)")
	createCmd.Flags().StringVarP(&createMetadata, "metadata", "e", "", "superblock version 1.0, 1.1 or 1.2 (default from config)")
	createCmd.Flags().StringVarP(&createSize, "size", "z", "", "space used on each member, e.g. 10G (default smallest member)")
	createCmd.Flags().BoolVar(&createAssumeClean, "assume-clean", false, "skip the initial resync")
	createCmd.Flags().BoolVarP(&createBitmap, "bitmap", "b", true, "add an internal write-intent bitmap")
	createCmd.Flags().StringVar(&createBitmapChunk, "bitmap-chunk", "", "bitmap chunk size (default from config)")
	createCmd.Flags().StringSliceVarP(&createWriteMostly, "write-mostly", "W", nil, "members only read when no other copy is available")
	createCmd.Flags().IntVar(&createUnit, "unit", -1, "md unit to create (default lowest free)")
	createCmd.Flags().BoolVarP(&waitSync, "wait", "w", false, "wait for the initial resync to finish before stopping")
	createCmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 0, "give up waiting after this long (default no limit)")
}

func runCreate(cmd *cobra.Command, devices []string) (err error) {
	ctx, err := newContext(cmd)
	if err != nil {
		return err
	}

	request := &manage.CreateRequest{
		Devices:     devices,
		Unit:        createUnit,
		Name:        createName,
		Level:       createLevel,
		RaidDisks:   createRaidDevices,
		Metadata:    createMetadata,
		Size:        createSize,
		AssumeClean: createAssumeClean,
		Bitmap:      createBitmap,
		BitmapChunk: createBitmapChunk,
		WriteMostly: createWriteMostly,
	}
	if request.Metadata == "" {
		request.Metadata = cfg.Metadata
	}
	if !cmd.Flags().Changed("bitmap") {
		request.Bitmap = cfg.Bitmap.Enabled
	}

	s, err := manage.Create(ctx, request)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, s.Close())
	}()

	return finish(ctx, s, nil)
}
