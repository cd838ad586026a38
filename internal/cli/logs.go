package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/recordkeeper/recordkeeper/internal/db/models"
	"github.com/recordkeeper/recordkeeper/internal/db/repositories"
)

// filterFlags mirrors the query parameters accepted by the list and export endpoints.
type filterFlags struct {
	userID     int64
	module     string
	action     string
	entityType string
	entityID   string
	search     string
	from       string
	to         string
	critical   bool
}

func (f *filterFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.Int64Var(&f.userID, "user", 0, "acting user id")
	fs.StringVar(&f.module, "module", "", "module name")
	fs.StringVar(&f.action, "action", "", "action (CREATE, UPDATE, DELETE, ...)")
	fs.StringVar(&f.entityType, "entity-type", "", "entity type")
	fs.StringVar(&f.entityID, "entity-id", "", "entity id")
	fs.StringVar(&f.search, "search", "", "free-text search over url, user and entity fields")
	fs.StringVar(&f.from, "from", "", "start date (YYYY-MM-DD or RFC 3339)")
	fs.StringVar(&f.to, "to", "", "end date (YYYY-MM-DD or RFC 3339)")
	fs.BoolVar(&f.critical, "critical", false, "only critical actions")
}

func (f *filterFlags) values() url.Values {
	v := url.Values{}
	if f.userID > 0 {
		v.Set("userId", strconv.FormatInt(f.userID, 10))
	}
	set := func(k, val string) {
		if val = strings.TrimSpace(val); val != "" {
			v.Set(k, val)
		}
	}
	set("module", f.module)
	set("action", strings.ToUpper(f.action))
	set("entityType", f.entityType)
	set("entityId", f.entityID)
	set("search", f.search)
	set("startDate", f.from)
	set("endDate", f.to)
	if f.critical {
		v.Set("isCritical", "true")
	}
	return v
}

type pageFlags struct {
	page  int
	limit int
	sort  string
	order string
}

func (p *pageFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.IntVar(&p.page, "page", 1, "page number")
	fs.IntVar(&p.limit, "limit", repositories.DefaultPageLimit, "records per page")
	fs.StringVar(&p.sort, "sort", "", "sort column")
	fs.StringVar(&p.order, "order", "", "sort order (asc or desc)")
}

func (p *pageFlags) apply(v url.Values) {
	v.Set("page", strconv.Itoa(p.page))
	v.Set("limit", strconv.Itoa(p.limit))
	if p.sort != "" {
		v.Set("sortBy", p.sort)
	}
	if p.order != "" {
		v.Set("sortOrder", p.order)
	}
}

func newLogsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List and inspect audit records",
	}
	cmd.AddCommand(newLogsListCommand(a), newLogsShowCommand(a))
	return cmd
}

func newLogsListCommand(a *app) *cobra.Command {
	var (
		filters filterFlags
		paging  pageFlags
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit records matching the filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := filters.values()
			paging.apply(params)

			page, err := a.client().ListLogs(cmd.Context(), params)
			if err != nil {
				return err
			}
			return printPage(cmd, a, page)
		},
	}
	filters.register(cmd)
	paging.register(cmd)
	return cmd
}

func newLogsShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one audit record with its before and after values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid record id %q", args[0])
			}
			rec, err := a.client().GetLog(cmd.Context(), id)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return renderJSON(out(cmd), rec)
			}
			printRecord(cmd, rec)
			return nil
		},
	}
}

func newTimelineCommand(a *app) *cobra.Command {
	var paging pageFlags
	cmd := &cobra.Command{
		Use:   "timeline <entity-type> <entity-id>",
		Short: "Show the change history of one entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			paging.apply(params)

			page, err := a.client().Timeline(cmd.Context(), args[0], args[1], params)
			if err != nil {
				return err
			}
			return printPage(cmd, a, page)
		},
	}
	paging.register(cmd)
	return cmd
}

func printPage(cmd *cobra.Command, a *app, page *repositories.AuditPage) error {
	if a.jsonOutput() {
		return renderJSON(out(cmd), page)
	}
	renderTable(out(cmd), recordHeaders, recordRows(page.Records))
	fmt.Fprintf(out(cmd), "page %d of %d (%d records)\n", page.Page, page.TotalPages, page.Total)
	return nil
}

func printRecord(cmd *cobra.Command, rec *models.AuditRecord) {
	w := out(cmd)
	rows := [][]interface{}{
		{"ID", rec.ID},
		{"Time", rec.CreatedAt.UTC().Format(time.RFC3339)},
		{"Actor", actor(rec.UserName, rec.UserEmail)},
		{"Action", rec.Action},
		{"Module", rec.Module},
		{"Entity", entity(rec.EntityType, rec.EntityID)},
		{"Request", rec.Method + " " + rec.URL},
		{"Status", rec.StatusCode},
		{"Duration", fmt.Sprintf("%d ms", rec.DurationMs)},
		{"IP", deref(rec.IPAddress)},
		{"User agent", deref(rec.UserAgent)},
	}
	renderTable(w, []string{"Field", "Value"}, rows)

	for _, section := range []struct {
		title string
		value models.Value
	}{
		{"Before", rec.BeforeValues},
		{"After", rec.AfterValues},
		{"Metadata", rec.Metadata},
	} {
		if section.value.IsNull() {
			continue
		}
		fmt.Fprintf(w, "\n%s:\n", section.title)
		_ = renderJSON(w, section.value)
	}
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
