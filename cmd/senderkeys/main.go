package main

import (
	"os"

	"github.com/meow-io/go-senderkeys/cmd/senderkeys/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
