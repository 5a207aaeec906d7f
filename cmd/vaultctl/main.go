package main

import (
	"os"

	"seedvault/go-backend/cmd/vaultctl/commands"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	commands.SetVersion(version, commit, buildDate)
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
