package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"golang.org/x/term"

	"spreadsheet-music/config"
	"spreadsheet-music/debug"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	base, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cfg, err := config.Parse(args, base)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if cfg.Persist {
		if err := cfg.Save(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	// The monitor owns the terminal, so logs go to a file while it runs.
	monitor := cfg.UI.Monitor && term.IsTerminal(int(os.Stdout.Fd()))
	logger, closer, err := debug.Setup(os.Stderr, monitor, cfg.UI.Debug, debug.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if closer != nil {
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx, logger)

	s, err := setup(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "err", err)
		if monitor {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	defer s.close()

	if err := s.play(ctx, monitor); err != nil {
		logger.Error("session ended with error", "err", err)
		return 1
	}
	return 0
}
