package main

import (
	"os"

	"walletmesh/cmd/walletmesh/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
