package main

import (
	"os"

	"github.com/opd-ai/securechannel/cmd/securechannel/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
