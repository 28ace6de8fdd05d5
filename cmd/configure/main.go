package main

import (
	"fmt"
	"os"

	"github.com/benvon/cohort-tags/cmd/configure/commands"
)

func main() {
	if err := commands.NewRootCmd(commands.DefaultEnv()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
