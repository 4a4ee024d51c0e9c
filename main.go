package main

import (
	"os"

	"github.com/govhost/govhost/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		os.Exit(1)
	}
}
