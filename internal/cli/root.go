package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

// app carries the persistent flag values shared by every command.
type app struct {
	apiURL string
	token  string
	output string
}

func (a *app) client() *Client {
	return NewClient(a.apiURL, a.token)
}

func (a *app) jsonOutput() bool {
	return a.output == outputJSON
}

// NewRootCommand builds the auditctl command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "auditctl",
		Short:         "Query the recordkeeper audit trail",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.output != outputTable && a.output != outputJSON {
				return fmt.Errorf("unsupported output %q (use table or json)", a.output)
			}
			if a.apiURL == "" {
				return fmt.Errorf("no API URL; pass --api-url or set RK_API_URL")
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.apiURL, "api-url", envOr("RK_API_URL", "http://localhost:8080"), "recordkeeper API base URL")
	root.PersistentFlags().StringVar(&a.token, "token", os.Getenv("RK_API_TOKEN"), "session token")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", outputTable, "output format: table or json")

	root.AddCommand(
		newLogsCommand(a),
		newTimelineCommand(a),
		newStatsCommand(a),
		newFacetsCommand(a),
		newAlertsCommand(a),
		newExportCommand(a),
		newArchivesCommand(a),
	)
	return root
}

// Execute runs the root command against os.Args and reports the error on stderr.
func Execute() int {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
