// distworker reserves tasks from a queue, fetches their payload,
// executes them in a supervised subprocess, and reports results and
// artifacts to a results store.
package main

import (
	"fmt"
	"os"

	"github.com/distexec/worker/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
