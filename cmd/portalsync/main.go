// Command portalsync reconciles TAS and LDAP data into the Chameleon portal
// database.
package main

import (
	"fmt"
	"os"

	"github.com/chameleoncloud/portalsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "portalsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
