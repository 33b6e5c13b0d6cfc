package manage

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// FormatOutput formats a management result according to output format
func FormatOutput(w io.Writer, result *Result, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		defer encoder.Close()
		encoder.SetIndent(2)
		return encoder.Encode(result)
	case "table":
		formatText(w, result)
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func formatText(w io.Writer, r *Result) {
	line := fmt.Sprintf("%s: %s", color.New(color.Bold).Sprint(r.Device), r.Operation)
	if len(r.Members) > 0 {
		line += " " + strings.Join(r.Members, ", ")
	}
	fmt.Fprintln(w, line)

	if r.Degraded > 0 {
		fmt.Fprintf(w, "  %s\n", color.RedString("degraded by %d", r.Degraded))
	} else {
		fmt.Fprintf(w, "  %s\n", color.GreenString("all members in sync"))
	}
	if r.SyncAction != "" {
		mismatch := fmt.Sprintf("%d sectors mismatched", r.MismatchCount)
		if r.MismatchCount > 0 {
			mismatch = color.YellowString(mismatch)
		}
		fmt.Fprintf(w, "  Last sync: %s, %s\n", r.SyncAction, mismatch)
	}
}
