// Command searchserver runs the multi-index full-text search server.
package main

import (
	"os"

	"github.com/Adithya-Monish-Kumar-K/searchserver/cmd/searchserver/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
