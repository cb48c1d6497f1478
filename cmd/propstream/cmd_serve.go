package main

import (
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/propstream/propstream/internal/config"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	applyLogConfig(cfg.Log)

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		host, port, err := splitListenAddr(listen)
		if err != nil {
			return err
		}
		cfg.Gateway.Host = host
		cfg.Gateway.Port = port
	}

	if problems := cfg.Validate(); len(problems) > 0 {
		for _, p := range problems {
			log.Error().Msg(p)
		}
		return fmt.Errorf("config has %d problem(s)", len(problems))
	}

	app, err := newApp(cfg, true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := app.Run(ctx)
	stop() // unwind the streamer loop even when Run exited on a gateway error

	grace, _ := cmd.Flags().GetDuration("shutdown-timeout")
	app.Shutdown(grace)
	return runErr
}

// splitListenAddr parses "host:port" with an optional host part.
func splitListenAddr(listen string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		// Bare port forms: "8080" or ":8080".
		portStr = strings.TrimPrefix(listen, ":")
	}
	port, perr := strconv.Atoi(portStr)
	if perr != nil {
		return "", 0, fmt.Errorf("invalid listen address %q", listen)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return host, port, nil
}
