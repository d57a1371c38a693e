package main

import (
	"os"

	"github.com/updraft-io/updraft/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
