// Package main is the entry point for the netcore user-space network stack.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/netcore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
