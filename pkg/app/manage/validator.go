package manage

import (
	"fmt"

	"github.com/deploymenttheory/go-mdraid/internal/config"
	"github.com/deploymenttheory/go-mdraid/internal/md"
	"github.com/deploymenttheory/go-mdraid/pkg/app"
)

// Validate validates a create request
func (r *CreateRequest) Validate() error {
	if len(r.Devices) == 0 {
		return app.NewError(app.ErrCodeInvalidInput, "at least one member device is required", nil)
	}
	present := 0
	seen := make(map[string]bool, len(r.Devices))
	for _, d := range r.Devices {
		if d == Missing {
			continue
		}
		if d == "" || seen[d] {
			return app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("device %q is empty or listed twice", d), nil)
		}
		seen[d] = true
		present++
	}
	if present == 0 {
		return app.NewError(app.ErrCodeInvalidInput, "every device is missing", nil)
	}
	if r.RaidDisks != 0 && r.RaidDisks != len(r.Devices) {
		return app.NewError(app.ErrCodeInvalidInput,
			fmt.Sprintf("%d raid disks but %d devices listed; use %q for absent slots", r.RaidDisks, len(r.Devices), Missing), nil)
	}
	if _, _, err := config.ParseMetadata(r.metadata()); err != nil {
		return app.NewError(app.ErrCodeInvalidInput, "invalid metadata version", err)
	}
	if r.Size != "" {
		if _, err := config.ParseSectors(r.Size); err != nil {
			return app.NewError(app.ErrCodeInvalidInput, "invalid size", err)
		}
	}
	if r.Bitmap && r.BitmapChunk != "" {
		if _, err := (config.BitmapConfig{ChunkSize: r.BitmapChunk}).ChunkBytes(); err != nil {
			return app.NewError(app.ErrCodeInvalidInput, "invalid bitmap chunk", err)
		}
	}
	for _, w := range r.WriteMostly {
		if !seen[w] {
			return app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("write-mostly device %s is not a member", w), nil)
		}
	}
	return nil
}

// Validate validates a bad block request
func (r *BadBlockRequest) Validate() error {
	if r.Device == "" {
		return app.NewError(app.ErrCodeInvalidInput, "device is required", nil)
	}
	if r.Sectors == 0 {
		return app.NewError(app.ErrCodeInvalidInput, "bad block range must not be empty", nil)
	}
	if r.Sector+r.Sectors < r.Sector {
		return app.NewError(app.ErrCodeInvalidInput, "bad block range overflows", nil)
	}
	return nil
}

// validateAction checks a sync action name before the array is assembled.
func validateAction(action string) error {
	switch action {
	case md.ActionIdle, md.ActionFrozen, md.ActionResync, md.ActionRecover, md.ActionCheck, md.ActionRepair:
		return nil
	}
	return app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("unknown sync action %q", action), nil)
}
