package main

import (
	"os"

	"github.com/crossfed-io/crossfed/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
