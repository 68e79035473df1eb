// Package main provides the terminal approval console for the SOAR service.
package main

import (
	"flag"
	"fmt"
	"os"

	"boundary-soar/internal/tui"
)

var version = "dev"

func main() {
	var (
		showVersion bool
		serverURL   string
		approver    string
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.StringVar(&serverURL, "url", "http://localhost:8080", "SOAR server URL")
	flag.StringVar(&approver, "approver", os.Getenv("SOAR_APPROVER"), "Approver identity for decisions; empty is read only")
	flag.Parse()

	if showVersion {
		fmt.Printf("soar-console %s\n", version)
		os.Exit(0)
	}

	fmt.Printf("Connecting to: %s\n", serverURL)
	if err := tui.Run(serverURL, approver); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
