package main

import (
	"fmt"
	"os"

	"github.com/danmuck/edgesession/cmd/edgesession/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "edgesession: %v\n", err)
		os.Exit(1)
	}
}
