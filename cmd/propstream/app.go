package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/propstream/propstream/internal/admission"
	"github.com/propstream/propstream/internal/bridge"
	"github.com/propstream/propstream/internal/bus"
	"github.com/propstream/propstream/internal/config"
	"github.com/propstream/propstream/internal/domain"
	"github.com/propstream/propstream/internal/gateway"
	"github.com/propstream/propstream/internal/provider"
	"github.com/propstream/propstream/internal/resilience"
	"github.com/propstream/propstream/internal/settlement"
	"github.com/propstream/propstream/internal/settlement/archive"
	"github.com/propstream/propstream/internal/store"
	"github.com/propstream/propstream/internal/streamer"
)

// App owns every pipeline component. There are no package-level singletons:
// construction wires the dependency graph explicitly, Run starts the
// long-lived pieces, Shutdown unwinds them in reverse order.
type App struct {
	cfg config.Config

	store       store.Store
	bus         *bus.Bus
	resilience  *resilience.Manager
	streamer    *streamer.Streamer
	settlements *settlement.Manager
	archive     *archive.Repo
	sweeper     *settlement.Sweeper
	limiter     *admission.Limiter
	guard       *admission.Guard
	gateway     *gateway.Server
	bridge      *bridge.Bridge
}

// newApp builds the full pipeline from config. withGateway=false skips port
// binding for commands that only need the streaming core.
func newApp(cfg config.Config, withGateway bool) (*App, error) {
	a := &App{cfg: cfg}

	a.store = store.New(cfg.Store)
	a.bus = bus.New(cfg.Bus)
	publish := func(ev domain.Event) { a.bus.Publish(ev) }

	a.resilience = resilience.NewManager(cfg.Resilience)
	a.resilience.SetPublisher(publish)

	a.streamer = streamer.New(cfg.Streamer, a.resilience, a.bus)
	for _, pc := range cfg.Providers {
		client, err := buildProvider(pc)
		if err != nil {
			a.closeCore()
			return nil, err
		}
		a.streamer.AddProvider(client, []string{pc.Sport})
	}

	a.settlements = settlement.NewManager(cfg.Settlement)
	a.settlements.SetPublisher(publish)
	if cfg.Archive.Enabled {
		repo, err := archive.Open(cfg.Archive)
		if err != nil {
			a.closeCore()
			return nil, fmt.Errorf("archive: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = repo.Migrate(ctx)
		cancel()
		if err != nil {
			repo.Close()
			a.closeCore()
			return nil, fmt.Errorf("archive migrate: %w", err)
		}
		a.archive = repo
		a.settlements.SetSink(repo)
	}
	if cfg.Settlement.Sweep.Enabled {
		a.sweeper = settlement.NewSweeper(a.settlements, cfg.Settlement.Sweep)
	}

	a.limiter = admission.NewLimiter(cfg.Admission.PolicySet(), a.store)
	a.guard = admission.NewGuard(cfg.Admission.Guard)

	a.bridge = bridge.New(cfg.Bridge, a.bus)

	if withGateway {
		gw, err := gateway.NewServer(cfg.Gateway, gateway.Deps{
			Resilience:  a.resilience,
			Streamer:    a.streamer,
			Settlements: a.settlements,
			Limiter:     a.limiter,
			Guard:       a.guard,
			Bus:         a.bus,
			Store:       a.store,
		})
		if err != nil {
			a.closeCore()
			return nil, err
		}
		a.gateway = gw
	}

	return a, nil
}

// buildProvider maps one config entry onto a client: live HTTP when a URL is
// set, fixture-backed when a path is set, synthetic otherwise.
func buildProvider(pc config.ProviderConfig) (provider.Client, error) {
	if pc.Name == "" {
		return nil, fmt.Errorf("provider with no name")
	}
	if pc.URL != "" {
		return provider.NewHTTPClient(pc.Name, provider.HTTPOptions{
			BaseURL:     pc.URL,
			APIKey:      pc.APIKey,
			Timeout:     pc.Timeout,
			RPS:         pc.RPS,
			Burst:       pc.Burst,
			DailyBudget: pc.DailyBudget,
		}), nil
	}
	if pc.Fixture != "" {
		return provider.NewFixtureClient(pc.Name, pc.Fixture), nil
	}
	return provider.NewSyntheticClient(pc.Name, pc.Sport, pc.Seed, pc.FailRate, pc.Latency), nil
}

// Run starts the bridge, the streamer loop, and the gateway, then blocks
// until ctx is cancelled or the HTTP listener fails.
func (a *App) Run(ctx context.Context) error {
	if a.gateway == nil {
		return fmt.Errorf("app built without gateway")
	}
	if err := a.bridge.Start(ctx); err != nil {
		return err
	}

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		a.streamer.Run(ctx)
	}()

	var sweepDone chan struct{}
	if a.sweeper != nil {
		sweepDone = make(chan struct{})
		go func() {
			defer close(sweepDone)
			a.sweeper.Run(ctx)
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.gateway.Start()
	}()

	log.Info().
		Str("addr", a.gateway.Address()).
		Int("providers", len(a.cfg.Providers)).
		Msg("pipeline running")

	select {
	case <-ctx.Done():
		<-streamDone // in-flight cycle finishes before teardown
		if sweepDone != nil {
			<-sweepDone
		}
		return nil
	case err := <-serverErr:
		return fmt.Errorf("gateway: %w", err)
	}
}

// Shutdown unwinds the pipeline: stop producing (streamer already drained by
// Run), stop the bridge, drain the gateway, close the bus, close the store.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.bridge.Stop()

	if a.gateway != nil {
		if err := a.gateway.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("gateway shutdown")
		}
	}

	a.bus.Close()

	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			log.Warn().Err(err).Msg("archive close")
		}
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("store close")
	}
	log.Info().Msg("pipeline stopped")
}

// closeCore releases what a partially built App already holds.
func (a *App) closeCore() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
