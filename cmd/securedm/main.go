package main

import (
	"os"

	"github.com/opd-ai/securedm/cmd/securedm/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
