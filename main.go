package main

import (
	"fmt"
	"os"

	"walletsync/pkg/cli"
)

// Version should be set during build
var Version = "dev"

func main() {
	if err := cli.Execute(Version); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
