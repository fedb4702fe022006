package main

import (
	"os"

	"github.com/nudgekit/nudgekit/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
