package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		var exitErr *exitError
		if !errors.As(err, &exitErr) || !exitErr.reported {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitCode(err))
	}
}
