package main

import (
	"fmt"
	"os"

	"gwi.com/report-studio/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
