package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/opsloop/operator/pkg/config"
)

// Exit codes: 0 clean, 1 runtime error, 2 configuration error before any
// loop started.
const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "operator:", err)
		if errors.Is(err, config.ErrFatal) {
			os.Exit(exitConfig)
		}
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}
