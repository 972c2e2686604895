package main

import (
	"os"

	"github.com/techthom/ipmi2mqtt/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
