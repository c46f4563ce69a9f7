package main

import (
	"os"

	"github.com/wardgate/wardgate/cmd/wardgate/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
