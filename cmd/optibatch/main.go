// cmd/optibatch/main.go
package main

import (
	"context"
	"os"

	"optibatch/internal/cli"
)

func main() {
	if err := cli.BuildCLI().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
