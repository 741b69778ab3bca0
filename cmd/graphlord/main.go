package main

import (
	"errors"
	"fmt"
	"os"
)

var (
	Version   = "v1.0.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// errAnalysisFailed makes the process exit with status 1 without printing
// anything beyond the report.
var errAnalysisFailed = errors.New("analysis failed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errAnalysisFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
