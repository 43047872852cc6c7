// Command opsync is the client for syncing a local operation log.
package main

import (
	"os"

	"github.com/kilupskalvis/opsync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
