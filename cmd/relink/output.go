package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/relink/internal/engine"
	"github.com/scrypster/relink/internal/zotero"
	"github.com/scrypster/relink/pkg/types"
)

// render writes v as JSON or YAML, or calls text for the human format.
func render(w io.Writer, format string, v any, text func(io.Writer)) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(w)
		return nil
	}
}

func printReport(w io.Writer, r engine.CycleReport) {
	fmt.Fprintf(w, "Run %s (%s) finished in %s\n", r.RunID, r.Operation, r.Duration.Round(time.Millisecond))
	rows := []struct {
		label string
		n     int
	}{
		{"Discovered", r.Discovered},
		{"Created", r.Created},
		{"Skipped", r.Skipped},
		{"Verified", r.Verified},
		{"Old deleted", r.Deleted},
		{"Confirmed", r.Confirmed},
		{"Rolled back", r.RolledBack},
		{"Errors", r.Errored},
	}
	for _, row := range rows {
		if row.n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", row.label+":", row.n)
		}
	}
	if !r.DidWork() && r.Skipped == 0 && r.Errored == 0 {
		fmt.Fprintln(w, "  Nothing to do")
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  ! %s\n", e)
	}
}

// reviewItem is one pending pairing as shown to the operator.
type reviewItem struct {
	types.Pairing `yaml:",inline"`
	OldLink       string `json:"old_link" yaml:"old_link"`
	NewLink       string `json:"new_link" yaml:"new_link"`
	ParentLink    string `json:"parent_link" yaml:"parent_link"`
}

func reviewItems(libraryType, libraryID string, pending []types.Pairing) []reviewItem {
	items := make([]reviewItem, 0, len(pending))
	for _, p := range pending {
		items = append(items, reviewItem{
			Pairing:    p,
			OldLink:    zotero.SelectLink(libraryType, libraryID, p.OldID),
			NewLink:    zotero.SelectLink(libraryType, libraryID, p.NewID),
			ParentLink: zotero.SelectLink(libraryType, libraryID, p.ParentID),
		})
	}
	return items
}

func printReview(w io.Writer, items []reviewItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No pairings awaiting confirmation")
		return
	}
	fmt.Fprintf(w, "%d pairing(s) awaiting confirmation:\n\n", len(items))
	for i, it := range items {
		parent := it.ParentTitle
		if parent == "" {
			parent = it.ParentID
		}
		fmt.Fprintf(w, "%d. %s\n", i+1, parent)
		fmt.Fprintf(w, "   Old:     %s  %s\n", it.OldID, it.OldLocator)
		fmt.Fprintf(w, "   New:     %s  %s\n", it.NewID, it.NewLocator)
		fmt.Fprintf(w, "   Title:   %s\n", it.OldTitle)
		fmt.Fprintf(w, "   Created: %s\n", it.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "   Open:    %s\n", it.ParentLink)
		if it.LastError != "" {
			fmt.Fprintf(w, "   Last error: %s\n", it.LastError)
		}
		fmt.Fprintln(w)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
