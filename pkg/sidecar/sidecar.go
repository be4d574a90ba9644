package sidecar

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-token/internal/governance"
	polistls "github.com/polisai/polis-token/internal/tls"
	"github.com/polisai/polis-token/pkg/config"
	"github.com/polisai/polis-token/pkg/domain"
	"github.com/polisai/polis-token/pkg/engine"
	"github.com/polisai/polis-token/pkg/fetcher"
	"github.com/polisai/polis-token/pkg/patterns"
	"github.com/polisai/polis-token/pkg/proxy"
	"github.com/polisai/polis-token/pkg/storage"
	"github.com/polisai/polis-token/pkg/telemetry"
)

// ConfigProvider defines the interface for configuration loading
type ConfigProvider interface {
	Current() *config.Config
	Watch(func(*config.Config)) error
	Close() error
}

// Sidecar hosts the token mutator behind the forward proxy and the intercept
// API, and serves health and metrics on the admin listener.
type Sidecar struct {
	loader    ConfigProvider
	logger    *slog.Logger
	metrics   *Metrics
	sink      domain.EventSink
	extra     []domain.EventSink
	fetchOpts []fetcher.Option
	settings  storage.SettingsStore

	store   *patterns.Store
	fetcher atomic.Pointer[fetcher.Fetcher]
	mutator atomic.Pointer[engine.Mutator]

	// processMu admits one in-scope mutation cycle or fetch at a time across the
	// proxy and the API.
	processMu sync.Mutex

	// mu guards the fields below.
	mu        sync.Mutex
	cfg       *config.Config
	running   bool
	admin     *http.Server
	api       *http.Server
	proxy     *proxy.Server
	listeners map[string]net.Listener
	wg        sync.WaitGroup
}

// Option configures a Sidecar.
type Option func(*Sidecar)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sidecar) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConfigLoader hot-reloads the token settings, scope and fetch options
// from loader.
func WithConfigLoader(loader ConfigProvider) Option {
	return func(s *Sidecar) { s.loader = loader }
}

// WithSettingsStore persists settings changes made through the API. The
// default follows the settings section of the configuration.
func WithSettingsStore(store storage.SettingsStore) Option {
	return func(s *Sidecar) { s.settings = store }
}

// WithEventSink adds a sink that receives every diagnostic event.
func WithEventSink(sink domain.EventSink) Option {
	return func(s *Sidecar) {
		if sink != nil {
			s.extra = append(s.extra, sink)
		}
	}
}

// WithFetcherOptions appends opts to the options every form fetcher is built
// with, including the ones rebuilt on reload.
func WithFetcherOptions(opts ...fetcher.Option) Option {
	return func(s *Sidecar) { s.fetchOpts = append(s.fetchOpts, opts...) }
}

// New builds a sidecar for cfg. Nothing listens until Initialize is called.
func New(cfg *config.Config, opts ...Option) (*Sidecar, error) {
	s := &Sidecar{
		logger:    slog.Default(),
		metrics:   NewMetrics(),
		listeners: map[string]net.Listener{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if cfg == nil && s.loader != nil {
		cfg = s.loader.Current()
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: no configuration", domain.ErrConfigInvalid)
	}
	s.cfg = cfg

	sinks := telemetry.MultiSink{telemetry.NewLogSink(s.logger), telemetry.MetricsSink{}, s.metrics}
	s.sink = append(sinks, s.extra...)

	if s.settings == nil {
		settings, err := openSettingsStore(cfg.Settings)
		if err != nil {
			return nil, err
		}
		s.settings = settings
	}

	s.store = patterns.NewStore(s.sink)
	if err := s.store.Apply(cfg.Token); err != nil {
		return nil, fmt.Errorf("token configuration: %w", err)
	}

	f := s.buildFetcher(cfg.Fetch)
	s.fetcher.Store(f)
	s.mutator.Store(s.buildMutator(cfg, f))

	return s, nil
}

func openSettingsStore(cfg config.SettingsConfig) (storage.SettingsStore, error) {
	if cfg.File == "" {
		return storage.NewMemorySettingsStore(), nil
	}
	return storage.NewFileSettingsStore(cfg.File)
}

func (s *Sidecar) buildFetcher(cfg config.FetchConfig) *fetcher.Fetcher {
	opts := []fetcher.Option{
		fetcher.WithTimeout(cfg.Timeout),
		fetcher.WithUserAgent(cfg.UserAgent),
		fetcher.WithCookieJar(cfg.CookieJar),
		fetcher.WithEventSink(s.sink),
		fetcher.WithRetry(governance.RetryConfig{
			MaxRetries:     cfg.Retries,
			InitialBackoff: cfg.RetryBackoff,
			Jitter:         true,
		}),
	}
	return fetcher.New(s.store, append(opts, s.fetchOpts...)...)
}

func (s *Sidecar) buildMutator(cfg *config.Config, f *fetcher.Fetcher) *engine.Mutator {
	return engine.NewMutator(s.store, f,
		engine.WithTools(cfg.Scope.ParsedTools()...),
		engine.WithForwardCookies(cfg.Fetch.ForwardCookies),
		engine.WithEventSink(s.sink),
	)
}

// Process runs msg through the active mutator. Cycles for in-scope requests
// are serialised; responses and other tools pass straight through.
func (s *Sidecar) Process(ctx context.Context, msg domain.Message) domain.Result {
	mutator := s.mutator.Load()
	if !msg.IsRequest || !mutator.InScope(msg.Tool) {
		return mutator.Process(ctx, msg)
	}
	s.processMu.Lock()
	defer s.processMu.Unlock()
	return s.mutator.Load().Process(ctx, msg)
}

// InScope reports whether requests from tool can be rewritten.
func (s *Sidecar) InScope(tool domain.Tool) bool {
	return s.mutator.Load().InScope(tool)
}

// FetchToken performs one form fetch outside of a mutation cycle. It waits
// for any cycle in progress.
func (s *Sidecar) FetchToken(ctx context.Context) (string, error) {
	s.processMu.Lock()
	defer s.processMu.Unlock()
	return s.fetcher.Load().FetchFreshToken(ctx)
}

// Settings returns the active token settings.
func (s *Sidecar) Settings() domain.Settings {
	return s.store.Snapshot().Settings()
}

// Metrics returns the Prometheus collectors.
func (s *Sidecar) Metrics() *Metrics {
	return s.metrics
}

// Initialize restores persisted settings, opens the listeners and starts
// watching the configuration file.
func (s *Sidecar) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sidecar already running")
	}

	s.restoreSettings(ctx)

	if err := s.listen(ctx, "admin", s.cfg.Server.AdminAddress); err != nil {
		return s.abort(err)
	}
	s.admin = &http.Server{Handler: s.AdminHandler(), ReadHeaderTimeout: 10 * time.Second}
	s.serve("admin", func(ln net.Listener) error { return s.admin.Serve(ln) })

	if s.cfg.Server.APIAddress != "" {
		if err := s.listen(ctx, "api", s.cfg.Server.APIAddress); err != nil {
			return s.abort(err)
		}
		s.api = &http.Server{Handler: s.APIHandler(), ReadHeaderTimeout: 10 * time.Second}
		s.serve("api", func(ln net.Listener) error { return s.api.Serve(ln) })
	}

	if s.cfg.Proxy.Enabled {
		proxyServer, err := s.buildProxy(s.cfg.Proxy)
		if err != nil {
			return s.abort(err)
		}
		if err := s.listen(ctx, "proxy", s.cfg.Server.ProxyAddress); err != nil {
			return s.abort(err)
		}
		s.proxy = proxyServer
		s.serve("proxy", proxyServer.Serve)
	}

	if s.loader != nil {
		if err := s.loader.Watch(s.onConfigChange); err != nil {
			s.logger.Warn("failed to start config watcher", "error", err)
		}
	}

	s.running = true
	s.logger.Info("token sidecar started",
		"admin", s.addrLocked("admin"),
		"api", s.addrLocked("api"),
		"proxy", s.addrLocked("proxy"),
	)
	return nil
}

// restoreSettings overlays the persisted settings on the configured ones. A
// persisted record is a whole snapshot, so an empty pattern in it was cleared
// and stays cleared. The form URL cannot be cleared and an empty one is skipped.
func (s *Sidecar) restoreSettings(ctx context.Context) {
	saved, err := s.settings.LoadSettings(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("failed to load persisted token settings", "error", err)
		return
	}

	// Rejections are reported through the event sink and keep the configured value.
	_ = s.store.SetInsertionPattern(saved.InsertionPattern)
	_ = s.store.SetExtractionPattern(saved.ExtractionPattern)
	if saved.FormURL != "" {
		_ = s.store.SetFormEndpoint(saved.FormURL)
	}
}

func (s *Sidecar) buildProxy(cfg config.ProxyConfig) (*proxy.Server, error) {
	opts := []proxy.Option{
		proxy.WithTool(cfg.ParsedTool()),
		proxy.WithLogger(s.logger.With("component", "proxy")),
	}
	if cfg.MITM {
		var ca *tls.Certificate
		if cfg.CACertFile != "" {
			loaded, err := polistls.LoadCA(cfg.CACertFile, cfg.CAKeyFile)
			if err != nil {
				return nil, fmt.Errorf("proxy ca: %w", err)
			}
			ca = &loaded
		}
		opts = append(opts, proxy.WithMITM(ca))
	}
	return proxy.New(s, opts...), nil
}

func (s *Sidecar) listen(ctx context.Context, name, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%s listener on %s: %w", name, addr, err)
	}
	s.listeners[name] = ln
	return nil
}

func (s *Sidecar) serve(name string, serve func(net.Listener) error) {
	ln := s.listeners[name]
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("listener stopped", "listener", name, "error", err)
		}
	}()
}

// abort closes whatever was opened by a failed Initialize.
func (s *Sidecar) abort(err error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.shutdownServers(ctx)
	return err
}

// Addr returns the bound address of the named listener ("admin", "api" or
// "proxy"), or "" when it is not running.
func (s *Sidecar) Addr(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrLocked(name)
}

func (s *Sidecar) addrLocked(name string) string {
	if ln, ok := s.listeners[name]; ok {
		return ln.Addr().String()
	}
	return ""
}

// onConfigChange applies a reloaded configuration. Listener and proxy settings
// only take effect on restart.
func (s *Sidecar) onConfigChange(next *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg

	status := "applied"
	if next.Token != prev.Token {
		if err := s.store.Apply(next.Token); err != nil {
			status = "partial"
			s.logger.Warn("reloaded token settings partially rejected", "error", err)
		}
		if err := s.settings.SaveSettings(context.Background(), s.store.Snapshot().Settings()); err != nil {
			s.logger.Error("failed to persist token settings", "error", err)
		}
	}

	f := s.fetcher.Load()
	rebuild := next.Fetch != prev.Fetch
	if rebuild {
		f = s.buildFetcher(next.Fetch)
		s.fetcher.Store(f)
	}
	if rebuild || !slices.Equal(next.Scope.ParsedTools(), prev.Scope.ParsedTools()) || next.Fetch.ForwardCookies != prev.Fetch.ForwardCookies {
		s.mutator.Store(s.buildMutator(next, f))
	}

	if next.Server != prev.Server || next.Proxy != prev.Proxy {
		s.logger.Warn("listener or proxy settings changed, restart to apply")
	}

	s.cfg = next
	s.metrics.RecordConfigReload(status)
}

// Teardown persists the active settings and stops every listener.
func (s *Sidecar) Teardown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.loader != nil {
		if err := s.loader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("config loader: %w", err))
		}
	}

	if err := s.settings.SaveSettings(ctx, s.store.Snapshot().Settings()); err != nil {
		errs = append(errs, fmt.Errorf("persist settings: %w", err))
	}

	errs = append(errs, s.shutdownServers(ctx)...)

	if err := s.settings.Close(); err != nil {
		errs = append(errs, fmt.Errorf("settings store: %w", err))
	}

	s.running = false
	s.logger.Info("token sidecar stopped")
	return errors.Join(errs...)
}

func (s *Sidecar) shutdownServers(ctx context.Context) []error {
	var errs []error
	if s.proxy != nil {
		if err := s.proxy.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("proxy: %w", err))
		}
	}
	for name, srv := range map[string]*http.Server{"api": s.api, "admin": s.admin} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	// Listeners that never reached Serve are closed here; closing a served one again is harmless.
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.wg.Wait()

	s.proxy, s.api, s.admin = nil, nil, nil
	s.listeners = map[string]net.Listener{}
	return errs
}
