package main

import (
	"fmt"
	"os"

	"agrichain/services/transferd"
)

func main() {
	if err := transferd.Main(); err != nil {
		fmt.Fprintf(os.Stderr, "transferd: %v\n", err)
		os.Exit(1)
	}
}
