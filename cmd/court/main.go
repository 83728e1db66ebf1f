package main

import (
	"context"
	"fmt"
	"os"

	"github.com/windowcourt/court/internal/cli"
	"github.com/windowcourt/court/internal/config"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "court: %v\n", err)
		os.Exit(1)
	}
	r := cli.NewRunner(cfg.SocketPath(), os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
