// Command auditctl queries a recordkeeper server's audit API from the terminal.
package main

import (
	"os"

	"github.com/recordkeeper/recordkeeper/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
