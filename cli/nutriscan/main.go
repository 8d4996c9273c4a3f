// Package main is the nutriscan command itself.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nutriscan/nutriscan/cli"
)

func main() {
	app := cli.NewApp(os.Stdout, os.Stderr)
	if err := app.RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
