package main

import (
	"os"

	"github.com/itstheanurag/evalrunner/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
