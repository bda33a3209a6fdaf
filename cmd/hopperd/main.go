package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hopper-run/hopper/internal/port"
)

func main() {
	cfg := NewConfig()

	sys, err := Build(cfg)
	if err != nil {
		os.Stderr.WriteString("hopperd: failed to build system: " + err.Error() + "\n")
		os.Exit(1)
	}

	if cfg.Port <= 0 {
		cfg.Port = port.NewPortManager(sys.Log).DeterminePort()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := NewServer(sys)
	if err := server.Start(ctx, cfg.Port); err != nil {
		sys.Log.Error("hopperd exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}
