// ABOUTME: Gateway orchestrator that wires the session, dispatcher and servers together
// ABOUTME: Runs the HTTP API, WebSocket push and optional gRPC health listeners until shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/wabridge/internal/access"
	"github.com/2389/wabridge/internal/auth"
	"github.com/2389/wabridge/internal/autoreply"
	"github.com/2389/wabridge/internal/backend"
	"github.com/2389/wabridge/internal/config"
	"github.com/2389/wabridge/internal/dispatch"
	"github.com/2389/wabridge/internal/metrics"
	"github.com/2389/wabridge/internal/notify"
	"github.com/2389/wabridge/internal/session"
	"github.com/2389/wabridge/internal/store"
)

// Gateway owns every long-lived component of the bridge.
type Gateway struct {
	config      *config.Config
	logger      *slog.Logger
	gate        *access.Gate
	sessions    *session.Manager
	broadcaster *notify.Broadcaster
	dispatcher  *dispatch.Dispatcher
	responder   *autoreply.Responder
	store       store.Store
	metrics     *metrics.Metrics // nil when disabled

	httpServer  *http.Server
	wsServer    *http.Server
	grpcServer  *grpc.Server  // nil when no gRPC address is configured
	health      *health.Server
	tsnetServer *tsnet.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// listeners holds the sockets the servers accept on.
type listeners struct {
	http net.Listener
	ws   net.Listener
	grpc net.Listener // nil when gRPC is disabled
}

func (l listeners) close() {
	for _, ln := range []net.Listener{l.http, l.ws, l.grpc} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// initStore opens the dispatch log named by config or WABRIDGE_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("WABRIDGE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// disabledIfZero maps an explicit zero duration to the negative value the
// session manager and dispatcher read as "off". Their own zero means default.
func disabledIfZero(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// New builds a Gateway around the given backend. No session is created and
// nothing listens until Run.
func New(cfg *config.Config, b backend.Backend, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	gate, err := access.New(cfg.Access.Allowed, cfg.Access.TrustForwarded, logger)
	if err != nil {
		return nil, fmt.Errorf("building access gate: %w", err)
	}

	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	broadcaster := notify.NewBroadcaster(logger)
	sessions := session.NewManager(b, broadcaster, session.Config{
		CredentialDir: cfg.Session.CredentialDir,
		SettleDelay:   disabledIfZero(cfg.Session.SettleDelay),
		LogoutRetries: cfg.Session.LogoutRetries,
	}, logger)

	fetcher := dispatch.NewHTTPFetcher(cfg.Dispatch.MediaTimeout, cfg.Dispatch.MaxMediaBytes, logger)
	dispatcher := dispatch.New(sessions, fetcher, dispatch.Config{
		SendTimeout:  cfg.Dispatch.SendTimeout,
		SendInterval: disabledIfZero(cfg.Dispatch.SendInterval),
		TempDir:      cfg.Dispatch.TempDir,
	}, logger)
	dispatcher.SetRecorder(&storeRecorder{store: st})

	responder := autoreply.New(autoreply.Config{
		Ping:        cfg.AutoReply.Ping,
		RejectCalls: cfg.AutoReply.RejectCalls,
		CallMessage: cfg.AutoReply.CallMessage,
	}, logger)
	sessions.OnInbound(responder.Handle)

	gw := &Gateway{
		config:      cfg,
		logger:      logger.With("component", "gateway"),
		gate:        gate,
		sessions:    sessions,
		broadcaster: broadcaster,
		dispatcher:  dispatcher,
		responder:   responder,
		store:       st,
	}

	if cfg.Metrics.Enabled {
		gw.metrics = metrics.New()
		dispatcher.SetObserver(gw.metrics)
		broadcaster.SetObserver(gw.metrics)
		sessions.Watch(gw.metrics.SessionState)
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		logger.Info("API bearer authentication enabled")
	}

	handler, err := gw.routes(verifier)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	gw.wsServer = &http.Server{
		Addr:              cfg.Server.WSAddr,
		Handler:           gate.Terminate(http.HandlerFunc(gw.handleWebSocket)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer, gw.health = newHealthServer(sessions, gate, logger)
	}

	return gw, nil
}

// Sessions exposes the session manager.
func (g *Gateway) Sessions() *session.Manager {
	return g.sessions
}

// Handler returns the HTTP API handler, access gate included.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners opens the configured TCP addresses.
func (g *Gateway) setupTCPListeners() (listeners, error) {
	var lns listeners
	var err error

	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"ws_addr", g.config.Server.WSAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	if lns.http, err = net.Listen("tcp", g.config.Server.HTTPAddr); err != nil {
		return lns, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if lns.ws, err = net.Listen("tcp", g.config.Server.WSAddr); err != nil {
		lns.close()
		return listeners{}, fmt.Errorf("listening on WebSocket address: %w", err)
	}
	if g.grpcServer != nil {
		if lns.grpc, err = net.Listen("tcp", g.config.Server.GRPCAddr); err != nil {
			lns.close()
			return listeners{}, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return lns, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (listeners, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run creates the backend session, serves until ctx is cancelled or a server
// fails, then shuts everything down. A cancelled ctx yields nil.
func (g *Gateway) Run(ctx context.Context) error {
	lns, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	if err := g.sessions.Create(ctx); err != nil {
		lns.close()
		_ = g.gracefulShutdown()
		return fmt.Errorf("creating session: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", lns.http.Addr().String())
		if err := g.httpServer.Serve(lns.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		g.logger.Info("WebSocket server listening", "addr", lns.ws.Addr().String())
		if err := g.wsServer.Serve(lns.ws); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("WebSocket server: %w", err)
		}
		return nil
	})
	if lns.grpc != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", lns.grpc.Addr().String())
			if err := g.grpcServer.Serve(lns.grpc); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown runs Shutdown on a fresh context since the caller's is
// already done.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "wabridge", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// tailnetPort keeps only the port of a configured address, so the same
// config works on and off the tailnet.
func tailnetPort(addr, fallback string) string {
	if _, port, err := net.SplitHostPort(addr); err == nil && port != "" {
		return ":" + port
	}
	return fallback
}

// setupTailscaleListeners joins the tailnet and listens there instead of on
// the host network.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (listeners, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return listeners{}, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return listeners{}, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return listeners{}, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
		UserLogf: func(format string, args ...any) {
			g.logger.Debug(fmt.Sprintf(format, args...), "module", "tsnet")
		},
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return listeners{}, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	var lns listeners
	fail := func(what string, err error) (listeners, error) {
		lns.close()
		_ = g.tsnetServer.Close()
		return listeners{}, fmt.Errorf("listening on tailscale %s port: %w", what, err)
	}
	if lns.http, err = g.tsnetServer.Listen("tcp", tailnetPort(g.config.Server.HTTPAddr, ":80")); err != nil {
		return fail("HTTP", err)
	}
	if lns.ws, err = g.tsnetServer.Listen("tcp", tailnetPort(g.config.Server.WSAddr, ":8080")); err != nil {
		return fail("WebSocket", err)
	}
	if lns.grpc, err = g.tsnetServer.Listen("tcp", tailnetPort(g.config.Server.GRPCAddr, ":50051")); err != nil {
		return fail("gRPC", err)
	}
	return lns, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, destroys the backend session without logging
// out, and closes the store. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		// Closing subscriber channels ends the hijacked WebSocket handlers,
		// which the server's own Shutdown does not track.
		g.broadcaster.Close()
		errs = appendCloseError(errs, "WebSocket shutdown", g.wsServer.Shutdown(ctx))

		g.shutdownGRPCServer(ctx)

		errs = appendCloseError(errs, "session close", g.sessions.Close(ctx))
		g.responder.Close()

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}
