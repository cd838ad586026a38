package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/recordkeeper/recordkeeper/internal/db/repositories"
)

func newStatsCommand(a *app) *cobra.Command {
	var days, limit int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show activity statistics for a trailing window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.client().Stats(cmd.Context(), days, limit)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return renderJSON(out(cmd), stats)
			}

			w := out(cmd)
			if s := stats.Summary; s != nil {
				renderTable(w, []string{"Window", "Records", "Actors", "Critical", "Failed", "Avg ms", "Unacked alerts"},
					[][]interface{}{{
						fmt.Sprintf("%d days", s.WindowDays),
						s.TotalRecords, s.UniqueActors, s.CriticalRecords, s.FailedRequests,
						fmt.Sprintf("%.1f", s.AvgDurationMs), s.UnacknowledgedAlerts,
					}})
			}

			rows := make([][]interface{}, 0, len(stats.MostActiveActors))
			for _, act := range stats.MostActiveActors {
				rows = append(rows, []interface{}{
					act.UserID, actor(act.UserName, act.UserEmail), act.ActionCount,
					act.LastActivity.UTC().Format(time.RFC3339),
				})
			}
			fmt.Fprintln(w, "\nMost active actors:")
			renderTable(w, []string{"User", "Actor", "Actions", "Last activity"}, rows)

			rows = rows[:0]
			for _, m := range stats.ActivityByModuleAndDay {
				rows = append(rows, []interface{}{m.Date, m.Module, m.Action, m.Count})
			}
			fmt.Fprintln(w, "\nActivity by module and day:")
			renderTable(w, []string{"Date", "Module", "Action", "Count"}, rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", repositories.DefaultWindowDays, "window length in days")
	cmd.Flags().IntVar(&limit, "limit", repositories.DefaultActorLimit, "number of actors to list")
	return cmd
}

func newFacetsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "facets",
		Short: "List the modules and actions present in the audit trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.client().Facets(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return renderJSON(out(cmd), f)
			}
			actions := make([]string, 0, len(f.Actions))
			for _, act := range f.Actions {
				actions = append(actions, string(act))
			}
			renderTable(out(cmd), []string{"Facet", "Values"}, [][]interface{}{
				{"modules", strings.Join(f.Modules, ", ")},
				{"actions", strings.Join(actions, ", ")},
			})
			return nil
		},
	}
}

func newAlertsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Review critical action alerts",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List unacknowledged alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			alerts, err := a.client().PendingAlerts(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return renderJSON(out(cmd), alerts)
			}
			rows := make([][]interface{}, 0, len(alerts.Alerts))
			for _, al := range alerts.Alerts {
				rows = append(rows, []interface{}{
					al.ID, al.LogID, al.CreatedAt.UTC().Format(time.RFC3339), al.AlertType,
					deref(al.Module), entity(al.EntityType, al.EntityID), actor(al.UserName, al.UserEmail),
				})
			}
			renderTable(out(cmd), []string{"ID", "Record", "Raised", "Type", "Module", "Entity", "Actor"}, rows)
			fmt.Fprintf(out(cmd), "%d pending\n", alerts.Total)
			return nil
		},
	}

	ack := &cobra.Command{
		Use:   "ack <id>...",
		Short: "Acknowledge one or more alerts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := a.client()
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid alert id %q", arg)
				}
				if err := client.Acknowledge(cmd.Context(), id); err != nil {
					return fmt.Errorf("alert %d: %w", id, err)
				}
				fmt.Fprintf(out(cmd), "acknowledged alert %d\n", id)
			}
			return nil
		},
	}

	cmd.AddCommand(list, ack)
	return cmd
}

func newExportCommand(a *app) *cobra.Command {
	var (
		filters filterFlags
		dest    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download matching records as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tmp, err := os.CreateTemp(destDir(dest), ".auditctl-export-*")
			if err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}
			defer os.Remove(tmp.Name())

			name, err := a.client().Export(cmd.Context(), filters.values(), tmp)
			if cerr := tmp.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}

			target := dest
			if target == "" || isDir(target) {
				if name == "" {
					name = "auditoria_" + time.Now().UTC().Format("2006-01-02") + ".csv"
				}
				target = filepath.Join(dest, name)
			}
			if err := os.Rename(tmp.Name(), target); err != nil {
				return fmt.Errorf("failed to write %s: %w", target, err)
			}
			fmt.Fprintf(out(cmd), "wrote %s\n", target)
			return nil
		},
	}
	filters.register(cmd)
	cmd.Flags().StringVarP(&dest, "file", "f", "", "destination file or directory (default: server file name in the current directory)")
	return cmd
}

func newArchivesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "Manage daily CSV archives in object storage",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored archives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			archives, err := a.client().Archives(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return renderJSON(out(cmd), archives)
			}
			rows := make([][]interface{}, 0, len(archives.Archives))
			for _, o := range archives.Archives {
				rows = append(rows, []interface{}{o.Key, humanBytes(o.Size), o.LastModified.UTC().Format(time.RFC3339)})
			}
			renderTable(out(cmd), []string{"Key", "Size", "Modified"}, rows)
			return nil
		},
	}

	var dest string
	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Download one archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := dest
			if target == "" {
				target = filepath.Base(args[0])
			}
			f, err := os.Create(target) // #nosec G304 -- path chosen by the operator
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
			err = a.client().DownloadArchive(cmd.Context(), args[0], f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(target)
				return err
			}
			fmt.Fprintf(out(cmd), "wrote %s\n", target)
			return nil
		},
	}
	get.Flags().StringVarP(&dest, "file", "f", "", "destination file (default: archive file name)")

	run := &cobra.Command{
		Use:   "run <YYYY-MM-DD>",
		Short: "Archive one UTC day now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := time.Parse("2006-01-02", args[0]); err != nil {
				return fmt.Errorf("date must be YYYY-MM-DD")
			}
			res, err := a.client().RunArchive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return renderJSON(out(cmd), res)
			}
			if res.Written {
				fmt.Fprintf(out(cmd), "archived %s\n", res.Key)
			} else {
				fmt.Fprintf(out(cmd), "%s already archived\n", res.Key)
			}
			return nil
		},
	}

	cmd.AddCommand(list, get, run)
	return cmd
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func destDir(dest string) string {
	switch {
	case dest == "":
		return "."
	case isDir(dest):
		return dest
	default:
		return filepath.Dir(dest)
	}
}
