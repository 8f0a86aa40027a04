package main

import (
	"os"

	"github.com/pcesar22/domes-sub001/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
