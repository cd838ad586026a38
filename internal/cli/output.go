package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/recordkeeper/recordkeeper/internal/db/models"
)

// renderTable prints a pretty table to w
func renderTable(w io.Writer, headers []string, rows [][]interface{}) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	headerRow := table.Row{}
	for _, h := range headers {
		headerRow = append(headerRow, h)
	}
	t.AppendHeader(headerRow)

	for _, row := range rows {
		t.AppendRow(table.Row(row))
	}
	t.Render()
}

func renderJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func recordRows(records []*models.AuditRecord) [][]interface{} {
	rows := make([][]interface{}, 0, len(records))
	for _, r := range records {
		action := string(r.Action)
		if r.Action.IsCritical() {
			action = text.FgRed.Sprint(action)
		}
		rows = append(rows, []interface{}{
			r.ID,
			r.CreatedAt.UTC().Format(time.RFC3339),
			actor(r.UserName, r.UserEmail),
			action,
			r.Module,
			entity(r.EntityType, r.EntityID),
			r.Method,
			r.StatusCode,
			r.DurationMs,
		})
	}
	return rows
}

var recordHeaders = []string{"ID", "Time", "Actor", "Action", "Module", "Entity", "Method", "Status", "ms"}

func actor(name, email *string) string {
	switch {
	case name != nil && *name != "" && email != nil && *email != "":
		return fmt.Sprintf("%s <%s>", *name, *email)
	case name != nil && *name != "":
		return *name
	case email != nil && *email != "":
		return *email
	default:
		return "-"
	}
}

func entity(typ, id *string) string {
	if typ == nil && id == nil {
		return "-"
	}
	t, i := "-", "-"
	if typ != nil {
		t = *typ
	}
	if id != nil {
		i = *id
	}
	return t + "/" + i
}

func humanBytes(n int64) string {
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
