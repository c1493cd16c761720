// Package server builds a PV registry from a PV database and runs it together
// with the scan scheduler, calc bindings, the update journal and the status API.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/pvcore/calc"
	"github.com/timzifer/pvcore/config"
	"github.com/timzifer/pvcore/driver"
	"github.com/timzifer/pvcore/drivers/random"
	"github.com/timzifer/pvcore/internal/httpapi"
	"github.com/timzifer/pvcore/internal/logging"
	"github.com/timzifer/pvcore/internal/reload"
	"github.com/timzifer/pvcore/journal"
	"github.com/timzifer/pvcore/pv"
	"github.com/timzifer/pvcore/scan"
	"github.com/timzifer/pvcore/telemetry"
)

// DefaultListen is the status API address used when the API is enabled
// without a listen address.
const DefaultListen = ":5080"

// ReloadFunc re-reads the PV database and applies the differences.
type ReloadFunc func(ctx context.Context) error

// Option configures the server during construction.
type Option func(*settings) error

type settings struct {
	config            *config.Config
	configPath        string
	registerReload    func(ReloadFunc)
	logger            zerolog.Logger
	customLogger      bool
	telemetry         telemetry.Collector
	telemetryProvided bool
	gatherer          prometheus.Gatherer
	handlers          map[string]interface{}
	fallback          interface{}
	listen            string
}

// Server owns the registry built from a PV database. The registry outlives
// reloads: unchanged PVs keep their state and subscriptions, changed PVs are
// registered again and removed PVs are deregistered.
type Server struct {
	mu sync.Mutex

	config     *config.Config
	configPath string
	defs       map[string]config.PVConfig

	logger    zerolog.Logger
	cleanup   func()
	collector telemetry.Collector

	handlers map[string]interface{}
	fallback interface{}

	registry *driver.Registry
	scanner  *scan.Scheduler
	journal  *journal.Writer
	api      *httpapi.Server
	watcher  *reload.Watcher

	// bindCtx scopes calc refreshes triggered by input updates.
	bindCtx    context.Context
	cancelBind context.CancelFunc

	running bool
	closed  bool
}

// New constructs a server with the supplied options.
func New(ctx context.Context, opts ...Option) (*Server, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cfg := settings{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		if cfg.configPath == "" {
			return nil, errors.New("configuration path required")
		}
		loaded, err := config.Load(cfg.configPath)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		cfg.config = loaded
	}

	logger := cfg.logger
	cleanup := func() {}
	if !cfg.customLogger {
		setup, closer, err := logging.Setup(cfg.config.Logging, logging.WithService(cfg.config.Name))
		if err != nil {
			return nil, err
		}
		logger = setup
		cleanup = closer
		log.Logger = logger
	}

	gatherer := cfg.gatherer
	if !cfg.telemetryProvided {
		collector, defaultGatherer, err := newTelemetryCollector(cfg.config.Telemetry)
		if err != nil {
			fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		if gatherer == nil {
			gatherer = defaultGatherer
		}
	}

	registry := driver.NewRegistry(driver.WithLogger(logger), driver.WithTelemetry(cfg.telemetry))
	scanOpts := []scan.Option{
		scan.WithLogger(logger),
		scan.WithTelemetry(cfg.telemetry),
		scan.WithTimeout(cfg.config.Scan.Timeout.Duration),
	}
	if cfg.config.Scan.Workers > 0 {
		scanOpts = append(scanOpts, scan.WithWorkers(cfg.config.Scan.Workers))
	}
	scanner := scan.New(registry, scanOpts...)
	registry.AttachScanner(scanner)

	fallback := cfg.fallback
	if fallback == nil && cfg.config.Simulation.Enabled {
		sim := cfg.config.Simulation
		simulator, err := random.New(registry, random.Settings{
			Source:       sim.Source,
			Seed:         sim.Seed,
			StringLength: sim.StringLength,
			Alphabet:     sim.Alphabet,
		})
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("simulation: %w", err)
		}
		fallback = simulator
	}

	bindCtx, cancelBind := context.WithCancel(context.Background())
	srv := &Server{
		configPath: cfg.configPath,
		defs:       make(map[string]config.PVConfig),
		logger:     logger.With().Str("component", "server").Logger(),
		cleanup:    cleanup,
		collector:  cfg.telemetry,
		handlers:   cfg.handlers,
		fallback:   fallback,
		registry:   registry,
		scanner:    scanner,
		bindCtx:    bindCtx,
		cancelBind: cancelBind,
	}

	if err := srv.apply(cfg.config); err != nil {
		srv.Close()
		return nil, err
	}
	for name := range srv.handlers {
		if _, ok := srv.defs[name]; !ok {
			srv.logger.Warn().Str("pv", name).Msg("handler for undeclared pv ignored")
		}
	}
	if err := srv.openJournal(cfg.config.Journal); err != nil {
		srv.Close()
		return nil, err
	}

	listen := cfg.listen
	if listen == "" && cfg.config.HTTP.Enabled {
		listen = cfg.config.HTTP.Listen
		if listen == "" {
			listen = DefaultListen
		}
	}
	if listen != "" {
		api := httpapi.New(registry, gatherer, logger)
		if err := api.Start(listen); err != nil {
			srv.Close()
			return nil, fmt.Errorf("start status api: %w", err)
		}
		srv.api = api
	}

	if err := srv.initWatcher(cfg.config); err != nil {
		srv.Close()
		return nil, err
	}
	if cfg.registerReload != nil {
		cfg.registerReload(srv.Reload)
	}
	return srv, nil
}

// Registry returns the registry served by the server.
func (s *Server) Registry() *driver.Registry {
	return s.registry
}

// Config returns the configuration currently applied.
func (s *Server) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Addr returns the status API address, or "" when the API is disabled.
func (s *Server) Addr() string {
	if s.api == nil {
		return ""
	}
	return s.api.Addr()
}

// Run drives periodic scanning, journal syncing and hot reload until the
// context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("server closed")
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	watcher := s.watcher
	syncEvery := time.Duration(0)
	if s.config != nil {
		syncEvery = s.config.Journal.Sync.Duration
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	scanCtx, cancelScan := context.WithCancel(ctx)
	defer cancelScan()
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- s.scanner.Run(scanCtx)
	}()

	var reloadTicker, syncTicker *time.Ticker
	if watcher != nil {
		reloadTicker = time.NewTicker(time.Second)
		defer reloadTicker.Stop()
	}
	if syncEvery > 0 && s.journal != nil {
		syncTicker = time.NewTicker(syncEvery)
		defer syncTicker.Stop()
	}

	s.logger.Info().Int("pvs", len(s.registry.Names())).Msg("server running")
	for {
		select {
		case <-ctx.Done():
			cancelScan()
			<-scanErr
			return ctx.Err()
		case err := <-scanErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return ctx.Err()
		case <-tickChannel(syncTicker):
			if err := s.journal.Sync(); err != nil {
				s.logger.Error().Err(err).Msg("journal sync failed")
			}
		case <-tickChannel(reloadTicker):
			changes, err := watcher.Check()
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to check configuration changes")
				continue
			}
			if len(changes) == 0 {
				continue
			}
			s.logger.Info().Strs("files", changes).Msg("configuration changed")
			if err := s.Reload(ctx); err != nil {
				s.logger.Error().Err(err).Msg("failed to reload configuration")
			}
		}
	}
}

// Reload loads the PV database from the configured path and applies it.
// Invalid configurations leave the running state untouched.
func (s *Server) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.configPath == "" {
		return errors.New("reload not supported without configuration path")
	}
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return err
	}
	if err := s.apply(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initWatcherLocked(cfg)
}

// Close releases resources managed by the server. Pending writes are left to
// the engine; PVs stay registered.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	api := s.api
	jw := s.journal
	s.mu.Unlock()

	s.cancelBind()
	if api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := api.Close(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("status api shutdown")
		}
		cancel()
	}
	if jw != nil {
		if err := jw.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("journal close")
		}
	}
	s.cleanup()
}

// apply reconciles the registry with cfg.
func (s *Server) apply(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	next := make(map[string]config.PVConfig, len(cfg.PVs))
	for _, p := range cfg.PVs {
		next[p.Name] = p
		if _, ok := s.handlers[p.Name]; ok && p.Calc != "" {
			return fmt.Errorf("pv %s: calc pvs cannot have an application handler", p.Name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed, changed, added []string
	for name, prev := range s.defs {
		p, ok := next[name]
		switch {
		case !ok:
			removed = append(removed, name)
		case !samePV(prev, p):
			changed = append(changed, name)
		}
	}
	for name := range next {
		if _, ok := s.defs[name]; !ok {
			added = append(added, name)
		}
	}
	sort.Strings(removed)
	sort.Strings(changed)
	sort.Strings(added)

	previous := make(map[string]pv.Snapshot, len(changed))
	for _, name := range append(append([]string(nil), removed...), changed...) {
		if snap, err := s.registry.Peek(name); err == nil {
			previous[name] = snap
		}
		if err := s.registry.Deregister(name); err != nil {
			s.logger.Warn().Err(err).Str("pv", name).Msg("deregister failed")
		}
		delete(s.defs, name)
	}

	var failed []error
	for _, name := range append(append([]string(nil), changed...), added...) {
		p := next[name]
		if err := s.register(p, previous[name]); err != nil {
			failed = append(failed, err)
			continue
		}
		s.defs[name] = p
	}

	s.bindCalcs()
	s.attachJournalLocked()
	s.config = cfg

	if len(removed)+len(changed)+len(added) > 0 {
		s.logger.Info().
			Strs("added", added).
			Strs("changed", changed).
			Strs("removed", removed).
			Msg("pv database applied")
	}
	return errors.Join(failed...)
}

func (s *Server) register(p config.PVConfig, previous pv.Snapshot) error {
	info, err := p.Info()
	if err != nil {
		return fmt.Errorf("pv %s: %w", p.Name, err)
	}
	def := driver.Definition{Info: info, ScanPeriod: p.Scan.Duration, Initial: p.Value}
	switch {
	case p.Calc != "":
		expr, err := calc.Compile(p.Calc)
		if err != nil {
			return fmt.Errorf("pv %s: %w", p.Name, err)
		}
		def.Handler = &calc.Reader{Expr: expr, Source: s.registry}
	case s.handlers[p.Name] != nil:
		def.Handler = s.handlers[p.Name]
	default:
		def.Handler = s.fallback
	}
	if def.Initial == nil && p.Calc == "" && previous.Value != nil && fits(info, previous.Value) {
		def.Initial = previous.Value
	}
	if _, err := s.registry.Register(def); err != nil {
		return err
	}
	return nil
}

func fits(info pv.Info, value interface{}) bool {
	record, err := pv.NewRecord(info)
	if err != nil {
		return false
	}
	_, err = record.Convert(value)
	return err == nil
}

// bindCalcs rebuilds the input subscriptions of every calc PV and computes
// its current value. Callers hold s.mu.
func (s *Server) bindCalcs() {
	names := make([]string, 0)
	for name, p := range s.defs {
		if p.Calc != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		s.registry.Disconnect(calc.ClientID(name))
		expr, err := calc.Compile(s.defs[name].Calc)
		if err != nil {
			s.logger.Error().Err(err).Str("pv", name).Msg("calc compile failed")
			continue
		}
		if err := calc.Bind(s.bindCtx, s.registry, name, expr, s.logger); err != nil {
			s.logger.Error().Err(err).Str("pv", name).Msg("calc bind failed")
			continue
		}
		if err := s.registry.Refresh(s.bindCtx, name); err != nil {
			s.logger.Debug().Err(err).Str("pv", name).Msg("calc not yet computable")
		}
	}
}

func (s *Server) openJournal(cfg config.JournalConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Restore {
		entries, err := journal.Restore(cfg.Path)
		if err != nil {
			return fmt.Errorf("restore journal: %w", err)
		}
		s.mu.Lock()
		for name := range entries {
			p, ok := s.defs[name]
			if !ok || !p.Journaled() || p.Calc != "" {
				delete(entries, name)
			}
		}
		s.mu.Unlock()
		applied, skipped := journal.Apply(s.registry, entries)
		s.logger.Info().Int("applied", applied).Strs("skipped", skipped).Msg("journal restored")
	}
	jw, err := journal.Open(cfg.Path, s.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	s.mu.Lock()
	s.journal = jw
	s.attachJournalLocked()
	s.mu.Unlock()
	return nil
}

// attachJournalLocked subscribes the journal to every journaled PV. Callers
// hold s.mu.
func (s *Server) attachJournalLocked() {
	if s.journal == nil {
		return
	}
	s.registry.Disconnect(journal.ClientID)
	names := make([]string, 0, len(s.defs))
	for name, p := range s.defs {
		if p.Journaled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if err := s.journal.Attach(s.registry, names); err != nil {
		s.logger.Error().Err(err).Msg("journal attach failed")
	}
}

func (s *Server) initWatcher(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initWatcherLocked(cfg)
}

func (s *Server) initWatcherLocked(cfg *config.Config) error {
	if s.configPath == "" || !cfg.HotReload {
		s.watcher = nil
		return nil
	}
	if s.watcher == nil {
		watcher, err := reload.NewWatcher(s.configPath, cfg)
		if err != nil {
			return err
		}
		s.watcher = watcher
		return nil
	}
	return s.watcher.Update(s.configPath, cfg)
}

func samePV(a, b config.PVConfig) bool {
	a.Source = config.ModuleReference{}
	b.Source = config.ModuleReference{}
	return reflect.DeepEqual(a, b)
}

func tickChannel(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
