package main

import (
	"os"

	"gemforge/internal/gemforge"
)

func main() {
	// On Windows the compiler shims are copies of this executable named
	// cc.exe/cxx.exe/ar.exe; dispatch on our own basename before anything
	// else runs.
	if subcommand, ok := gemforge.ShimRole(os.Args[0]); ok {
		os.Exit(gemforge.RunShim(subcommand, os.Args[1:]))
	}
	os.Exit(gemforge.Main())
}
