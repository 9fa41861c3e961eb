package main

import (
	"os"

	"pqratchet/cmd/pqratchet/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
