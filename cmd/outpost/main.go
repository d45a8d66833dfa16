package main

import (
	"fmt"
	"os"

	"github.com/rpggio/outpost/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "outpost: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
