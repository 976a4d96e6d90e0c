package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the entrypoint of `chatroomz serve`. It loads the config, builds the
// App and serves until SIGINT or SIGTERM.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(ctx context.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
