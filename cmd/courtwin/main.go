// courtwin is a demonstration window process. It proposes its commandline to
// the court; if the verdict is "create" it stays resident as a window and
// prints every commandline routed to it, otherwise it exits immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/windowcourt/court/internal/config"
	"github.com/windowcourt/court/internal/court"
	"github.com/windowcourt/court/internal/logging"
	"github.com/windowcourt/court/internal/model"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fatal(err)
	}
	windowName := flag.String("window-name", "", "name this window for targeted routing")
	targetWindow := flag.String("window", "", "route to window id or name instead of creating one")
	flag.Parse()

	log, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fatal(err)
	}
	defer log.Sync() //nolint:errcheck

	cwd, err := os.Getwd()
	if err != nil {
		fatal(err)
	}
	args := model.CommandlineArgs{
		Args:         flag.Args(),
		Cwd:          cwd,
		TargetWindow: strings.TrimSpace(*targetWindow),
		ActivatedAt:  time.Now().UTC(),
	}

	wm := court.NewWindowManager(cfg, strings.TrimSpace(*windowName), func(routed model.CommandlineArgs) error {
		_, _ = fmt.Fprintf(os.Stdout, "commandline: %s (cwd %s)\n", strings.Join(routed.Args, " "), routed.Cwd)
		return nil
	}, log)
	defer wm.Close() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	created, err := wm.ProposeCommandline(ctx, args)
	if err != nil {
		fatal(err)
	}
	if !created {
		return
	}

	role := "subject"
	if wm.IsKing() {
		role = "king"
	}
	_, _ = fmt.Fprintf(os.Stdout, "window open as %s (pid %d), ctrl-c to close\n", role, os.Getpid())
	<-ctx.Done()
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "courtwin: %v\n", err)
	os.Exit(1)
}
