// Package portal serves the provisioning UI and its JSON API. It is started
// in every connectivity mode so setup and status stay reachable.
package portal

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"palpable"
	"palpable/connectivity"
	"palpable/internal/clocksync"
	"palpable/settings"
)

const (
	DefaultListen = ":80"
	// DefaultConnectTimeout covers the association window plus the wait for
	// a transition already in flight.
	DefaultConnectTimeout = 45 * time.Second
	shutdownTimeout       = 5 * time.Second
	maxBodyBytes          = 16 << 10
)

//go:embed ui
var embeddedUI embed.FS

// Connectivity is the part of the connectivity manager the portal drives.
type Connectivity interface {
	Status() connectivity.Status
	Scan(ctx context.Context) []palpable.Network
	Connect(ctx context.Context, s palpable.DeviceSettings) (connectivity.Status, error)
}

// Settings reads and persists device settings.
type Settings interface {
	Current() palpable.DeviceSettings
	Save(palpable.DeviceSettings) error
	DeviceInfo(settings.NetworkFacts) palpable.DeviceInfo
}

// Claimer runs the claim workflow.
type Claimer interface {
	DeviceID() string
	Session(ctx context.Context) (palpable.ClaimSession, error)
	Claim(ctx context.Context, code, deviceID string) (palpable.ClaimSession, error)
	RequestCode(ctx context.Context) (string, error)
}

// Updates exposes the update checker's last result.
type Updates interface {
	CurrentVersion() string
	Status() palpable.UpdateInfo
}

// ClockStatus reports the NTP checker state.
type ClockStatus interface {
	Status() clocksync.Status
}

// Server is the captive portal HTTP server.
type Server struct {
	listen         string
	uiDir          string
	deviceID       string
	connectTimeout time.Duration

	conn     Connectivity
	settings Settings
	claim    Claimer
	updates  Updates
	clock    ClockStatus
	reboot   func()

	rebootOnce sync.Once
	handler    http.Handler
	log        *slog.Logger

	mu   sync.Mutex
	srv  *http.Server
	addr net.Addr
}

type Option func(*Server)

// WithListen sets the listen address.
func WithListen(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.listen = addr
		}
	}
}

// WithUIDir serves the UI from dir instead of the embedded copy.
func WithUIDir(dir string) Option {
	return func(s *Server) { s.uiDir = dir }
}

// WithDeviceID sets the device ID reported when no claim workflow is wired.
func WithDeviceID(id string) Option {
	return func(s *Server) { s.deviceID = id }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

func WithClaim(c Claimer) Option {
	return func(s *Server) { s.claim = c }
}

func WithUpdates(u Updates) Option {
	return func(s *Server) { s.updates = u }
}

func WithClock(c ClockStatus) Option {
	return func(s *Server) { s.clock = c }
}

// WithReboot sets the function that schedules a graceful shutdown and
// reboot. It is called at most once, after the response is written.
func WithReboot(fn func()) Option {
	return func(s *Server) { s.reboot = fn }
}

// New creates a stopped server.
func New(conn Connectivity, store Settings, opts ...Option) *Server {
	s := &Server{
		listen:         DefaultListen,
		connectTimeout: DefaultConnectTimeout,
		conn:           conn,
		settings:       store,
		log:            slog.With("component", "portal"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = otelhttp.NewHandler(s.routes(), "portal",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
	return s
}

// Handler returns the instrumented request handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/device-info", s.handleDeviceInfo)
	mux.HandleFunc("GET /api/wifi/scan", s.handleScan)
	mux.HandleFunc("POST /api/wifi/connect", s.handleConnect)
	mux.HandleFunc("GET /api/claim", s.handleClaimStatus)
	mux.HandleFunc("POST /api/claim", s.handleClaim)
	mux.HandleFunc("POST /api/claim/code", s.handleClaimCode)
	mux.HandleFunc("GET /api/update", s.handleUpdate)
	mux.HandleFunc("POST /api/reboot", s.handleReboot)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Operating-system connectivity probes. Redirecting them makes phones
	// open the portal as a captive sign-in page.
	for _, path := range captiveProbes {
		mux.HandleFunc("GET "+path, s.handleCaptiveProbe)
	}
	mux.Handle("GET /", s.uiHandler())
	return mux
}

var captiveProbes = []string{
	"/generate_204",
	"/gen_204",
	"/hotspot-detect.html",
	"/library/test/success.html",
	"/connecttest.txt",
	"/ncsi.txt",
	"/canonical.html",
	"/success.txt",
}

func (s *Server) uiHandler() http.Handler {
	if s.uiDir != "" {
		return http.FileServer(http.Dir(s.uiDir))
	}
	sub, err := fs.Sub(embeddedUI, "ui")
	if err != nil {
		panic(fmt.Sprintf("embedded ui: %v", err))
	}
	return http.FileServerFS(sub)
}

// Start binds the listen address and serves in the background. It returns
// once the socket is listening, so callers may report readiness.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.listen, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.log.Info("Portal listening.", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Portal server stopped.", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops accepting requests and waits for in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("shutdown portal: %w", err)
	}
	return nil
}
