// Package main provides a CLI tool for validating SOAR playbook files.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"boundary-soar/internal/playbook"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidateCmd(os.Args[2:])
	case "list":
		runListCmd(os.Args[2:])
	case "-version", "--version", "-v":
		fmt.Printf("soar-playbooks %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: soar-playbooks <command> [flags] [paths]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  validate  Parse and register playbooks from files or directories\n")
	fmt.Fprintf(os.Stderr, "  list      List playbooks found in files or directories\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

func runValidateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Show detailed playbook information")
	builtins := fs.Bool("builtins", false, "Register the built-in playbooks first")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one path is required\n")
		fmt.Fprintf(os.Stderr, "Usage: soar-playbooks validate [-verbose] [-builtins] <path> [<path>...]\n")
		os.Exit(1)
	}

	os.Exit(runValidate(os.Stdout, paths, *verbose, *builtins))
}

func runListCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	tag := fs.String("tag", "", "Only list playbooks with this tag")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		paths = []string{"configs/playbooks"}
	}

	os.Exit(runList(os.Stdout, paths, *tag))
}

// scratchRegistry returns a registry whose log output is discarded.
func scratchRegistry() *playbook.Registry {
	return playbook.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// runValidate registers every playbook into one scratch registry, so ids
// must be unique across all given paths.
func runValidate(out io.Writer, paths []string, verbose, builtins bool) int {
	registry := scratchRegistry()
	if builtins {
		if err := registry.RegisterBuiltIns(); err != nil {
			fmt.Fprintf(out, "  FAIL  built-in playbooks: %v\n", err)
			return 1
		}
	}

	var totalFiles, validFiles, invalidFiles int
	for _, path := range paths {
		files, err := playbook.CollectFiles(path)
		if err != nil {
			fmt.Fprintf(out, "  FAIL  %s: %v\n", path, err)
			invalidFiles++
			continue
		}
		for _, f := range files {
			totalFiles++
			if validateFile(out, registry, f, verbose) {
				validFiles++
			} else {
				invalidFiles++
			}
		}
	}

	fmt.Fprintf(out, "\nResults: %d files checked, %d valid, %d invalid\n", totalFiles, validFiles, invalidFiles)
	if invalidFiles > 0 {
		return 1
	}
	return 0
}

func validateFile(out io.Writer, registry *playbook.Registry, path string, verbose bool) bool {
	pbs, err := playbook.ParseFile(path)
	if err != nil {
		fmt.Fprintf(out, "  FAIL  %s: %v\n", path, err)
		return false
	}

	ok := true
	for _, p := range pbs {
		if _, err := registry.Register(p); err != nil {
			fmt.Fprintf(out, "  FAIL  %s: %v\n", path, err)
			ok = false
		}
	}
	if !ok {
		return false
	}

	fmt.Fprintf(out, "  OK    %s (%d playbook(s))\n", path, len(pbs))
	if verbose {
		for _, p := range pbs {
			fmt.Fprintf(out, "        - [%s] %s (priority=%d, actions=%d, auto=%v)\n",
				p.ID, p.Name, p.Priority, len(p.Actions), p.AutoExecute)
			for _, a := range p.Actions {
				line := fmt.Sprintf("          %s: %s", a.ID, a.Capability)
				if a.NeedsApproval() {
					line += fmt.Sprintf(" (approval: %s)", a.ApprovalRequired)
				}
				if len(a.DependsOn) > 0 {
					line += " after " + strings.Join(a.DependsOn, ", ")
				}
				fmt.Fprintln(out, line)
			}
		}
	}
	return true
}

func runList(out io.Writer, paths []string, tag string) int {
	status := 0
	fmt.Fprintf(out, "%-32s  %-8s  %-7s  %-4s  %s\n", "ID", "PRIORITY", "ACTIONS", "AUTO", "NAME")
	for _, path := range paths {
		files, err := playbook.CollectFiles(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
			status = 1
			continue
		}
		for _, f := range files {
			pbs, err := playbook.ParseFile(f)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing %s: %v\n", f, err)
				status = 1
				continue
			}
			for _, p := range pbs {
				if tag != "" && !p.HasTag(tag) {
					continue
				}
				auto := "no"
				if p.AutoExecute {
					auto = "yes"
				}
				fmt.Fprintf(out, "%-32s  %-8d  %-7d  %-4s  %s\n", p.ID, p.Priority, len(p.Actions), auto, p.Name)
			}
		}
	}
	return status
}
