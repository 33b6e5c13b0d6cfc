package detail

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/deploymenttheory/go-mdraid/internal/md"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// FormatOutput formats detail results according to output format
func FormatOutput(w io.Writer, response *Response, format string) error {
	switch format {
	case "json":
		return formatJSON(w, response)
	case "yaml":
		return formatYAML(w, response)
	case "table":
		return formatTable(w, response)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func sectorBytes(sectors uint64) string {
	return humanize.IBytes(sectors * types.SectorSize)
}

func colorState(state string) string {
	switch state {
	case "in_sync", "clean", "active":
		return green(state)
	case "faulty", "inactive":
		return red(state)
	case "rebuilding", "spare", "write-pending", "read-auto", "readonly":
		return yellow(state)
	}
	return state
}

// formatTable formats results as tables
func formatTable(w io.Writer, response *Response) error {
	if response.Array != nil {
		formatArray(w, response.Array)
	}
	if len(response.Members) > 0 {
		formatMembers(w, response.Members)
	}
	for _, f := range response.Failed {
		fmt.Fprintf(w, "%s %s: %s\n", red("unreadable"), f.Path, f.Error)
	}
	if response.Array == nil && len(response.Members) == 0 && len(response.Failed) == 0 {
		fmt.Fprintln(w, "No array metadata found.")
	}
	return nil
}

func formatArray(w io.Writer, s *md.ArrayStatus) {
	fmt.Fprintf(w, "%s: %s %s, %s\n", bold(s.Device), s.Level, colorState(s.State), sectorBytes(s.ArraySectors))
	if s.Name != "" {
		fmt.Fprintf(w, "  Name:          %s\n", s.Name)
	}
	fmt.Fprintf(w, "  UUID:          %s\n", s.UUID)
	fmt.Fprintf(w, "  Metadata:      %s\n", s.Metadata)
	fmt.Fprintf(w, "  Devices:       %d/%d active", s.ActiveDisks, s.RaidDisks)
	if s.Degraded > 0 {
		fmt.Fprintf(w, " (%s)", red(fmt.Sprintf("degraded by %d", s.Degraded)))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Events:        %d\n", s.Events)
	if !s.Created.IsZero() {
		fmt.Fprintf(w, "  Created:       %s\n", humanize.Time(s.Created))
	}
	if !s.Updated.IsZero() {
		fmt.Fprintf(w, "  Updated:       %s\n", humanize.Time(s.Updated))
	}
	if s.Syncing() {
		fmt.Fprintf(w, "  Sync:          %s %s/%s at %s/s\n", s.SyncAction,
			sectorBytes(s.SyncCompleted), sectorBytes(s.SyncMax), humanize.IBytes(s.SyncSpeed*1024))
	} else if s.LastSyncAction != "none" {
		fmt.Fprintf(w, "  Last sync:     %s, %s mismatched\n", s.LastSyncAction, sectorBytes(s.MismatchCount))
	}
	if s.RecoveryCp != types.MaxSector {
		fmt.Fprintf(w, "  Resync from:   %s\n", sectorBytes(s.RecoveryCp))
	}
	if bm := s.Bitmap; bm != nil {
		fmt.Fprintf(w, "  Bitmap:        %d/%d chunks dirty, %s chunk\n",
			bm.DirtyChunks, bm.Chunks, humanize.IBytes(uint64(bm.ChunkSize)))
	}
	fmt.Fprintln(w)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"SLOT", "DEVICE", "STATE", "SIZE", "EVENTS", "CORRECTED", "BAD BLOCKS"})
	for _, d := range s.Devices {
		slot := "-"
		if d.Slot >= 0 {
			slot = fmt.Sprintf("%d", d.Slot)
		}
		states := make([]string, len(d.State))
		for i, st := range d.State {
			states[i] = colorState(st)
		}
		bad := fmt.Sprintf("%d", d.BadBlocks)
		if d.UnackedBad {
			bad += " (unacknowledged)"
		}
		t.AppendRow(table.Row{slot, d.Path, strings.Join(states, ","), sectorBytes(d.Sectors), d.Events, d.CorrectedErrors, bad})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func formatMembers(w io.Writer, members []*md.Examination) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"DEVICE", "ARRAY UUID", "NAME", "METADATA", "ROLE", "EVENTS", "DATA OFFSET", "SIZE", "BITMAP"})
	for _, e := range members {
		role := e.Role
		switch {
		case role == "faulty":
			role = red(role)
		case role == "spare":
			role = yellow(role)
		case e.WriteMostly:
			role += " (write-mostly)"
		}
		bitmap := "-"
		if e.Bitmap != nil {
			bitmap = humanize.IBytes(uint64(e.Bitmap.ChunkSize)) + " chunks"
		}
		t.AppendRow(table.Row{
			e.Path, e.ArrayUUID, e.Name, e.Metadata, role, e.Events,
			e.DataOffset, sectorBytes(e.UsedSize), bitmap,
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

// formatJSON formats results as JSON
func formatJSON(w io.Writer, response *Response) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// formatYAML formats results as YAML
func formatYAML(w io.Writer, response *Response) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(response)
}

// FormatSummary provides a brief summary for verbose output
func FormatSummary(response *Response) string {
	if s := response.Array; s != nil {
		return fmt.Sprintf("%s: %s, %d/%d devices in sync, %s, read in %v",
			s.Device, s.State, s.ActiveDisks, s.RaidDisks, sectorBytes(s.ArraySectors), response.QueryTime)
	}
	summary := fmt.Sprintf("Examined %d member", len(response.Members))
	if len(response.Members) != 1 {
		summary += "s"
	}
	if len(response.Failed) > 0 {
		summary += fmt.Sprintf(", %d unreadable", len(response.Failed))
	}
	return summary + fmt.Sprintf(" in %v", response.QueryTime)
}
