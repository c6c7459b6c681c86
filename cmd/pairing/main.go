package main

import (
	"context"
	"os"

	"github.com/sandeepkv93/tv-device-pairing/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
