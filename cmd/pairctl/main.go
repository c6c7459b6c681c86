package main

import (
	"os"

	"github.com/sandeepkv93/tv-device-pairing/internal/tools/pairctl"
)

func main() {
	if err := pairctl.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
