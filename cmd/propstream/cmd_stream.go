package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/propstream/propstream/internal/config"
	"github.com/propstream/propstream/internal/domain"
)

func runStream(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	applyLogConfig(cfg.Log)

	if interval, _ := cmd.Flags().GetDuration("interval"); interval > 0 {
		cfg.Streamer.Interval = interval
	}

	app, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	defer app.Shutdown(5 * time.Second)

	once, _ := cmd.Flags().GetBool("once")
	allEvents, _ := cmd.Flags().GetBool("events")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		summary := app.streamer.RunCycle(ctx)
		return enc.Encode(summary)
	}

	// Tail the bus for cycle summaries (or everything with --events) so the
	// loop's output is the same stream any subscriber would see.
	pattern := string(domain.EventMarketCycleSummary)
	if allEvents {
		pattern = "*"
	}
	sub, events, err := app.bus.SubscribeChan(pattern, cfg.Bus.QueueSize)
	if err != nil {
		return err
	}
	defer app.bus.Unsubscribe(sub)

	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for ev := range events {
			_ = enc.Encode(ev)
		}
	}()

	app.streamer.Run(ctx)
	app.bus.Unsubscribe(sub)
	<-printerDone
	return nil
}
