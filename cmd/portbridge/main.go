// Package main is the entry point for the PortBridge gateway.
package main

import (
	"os"

	"github.com/portbridge/portbridge/cmd/portbridge/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
