// Package httpserver implements the HTTP and HTTPS honeypot listeners:
// a small fake site with bait login endpoints, request inspection against
// the content rules, and a 404 handler that doubles as a probe counter.
package httpserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ipswamp/honeypot/internal/event"
	"github.com/ipswamp/honeypot/internal/listener"
)

const (
	notFoundThreshold = 10
	notFoundWindow    = 10 * time.Minute
)

// Options configure one HTTP-family listener.
type Options struct {
	Name     string // "http" or "https"
	Port     int
	TLS      bool
	CertFile string
	KeyFile  string

	// Diagnostics mounts the supervisor's diagnostic handler on the
	// system paths, excluded from detection.
	Diagnostics http.Handler
}

// Server is the HTTP/HTTPS honeypot module.
type Server struct {
	opts Options
	emit listener.Emit
	log  zerolog.Logger

	auth *listener.AuthTracker

	mu       sync.Mutex
	notFound map[string]*notFoundEntry

	ln      net.Listener
	handler http.Handler
}

type notFoundEntry struct {
	count      int
	windowFrom time.Time
	reported   bool
}

// New creates the module. The same server type backs both the plain and
// the TLS listener.
func New(opts Options, emit listener.Emit, log zerolog.Logger) *Server {
	s := &Server{
		opts:     opts,
		emit:     emit,
		log:      log,
		auth:     listener.NewAuthTracker(),
		notFound: make(map[string]*notFoundEntry),
	}
	s.handler = s.detectMiddleware(s.buildMux())
	return s
}

// Name implements listener.Module.
func (s *Server) Name() string { return s.opts.Name }

// Port implements listener.Module.
func (s *Server) Port() int { return s.opts.Port }

// Listen binds the port. For HTTPS the certificate pair must load.
func (s *Server) Listen() error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	if s.opts.TLS {
		cert, err := tls.LoadX509KeyPair(s.opts.CertFile, s.opts.KeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("load TLS material: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	s.ln = ln
	return nil
}

// Serve runs until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(s.ln); err != nil && err != http.ErrServerClosed {
		s.log.Error().Err(err).Str("module", s.opts.Name).Msg("http serve error")
	}
}

// Handler exposes the full handler chain for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" && r.URL.Path != "/index.html" {
			s.handleNotFound(w, r)
			return
		}
		w.Header().Set("Server", serverBanner)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, indexPage)
	})
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, robotsTxt)
	})

	// Bait login endpoints. Credentials always fail after the delay and
	// feed the bruteforce tracker.
	for _, path := range []string{"/login", "/admin/login", "/wp-login.php"} {
		mux.HandleFunc(path, s.handleLogin)
	}

	if s.opts.Diagnostics != nil {
		for path := range systemPaths {
			mux.Handle(path, s.opts.Diagnostics)
		}
	}

	return mux
}

// detectMiddleware runs the content rules on every request outside the
// system paths.
func (s *Server) detectMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsSystemPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if f, ok := inspect(r); ok {
			ip := clientIP(r)
			s.emit(event.Observation{
				SourceIP:    ip,
				Protocol:    s.opts.Name,
				Kind:        f.kind,
				Description: f.description,
				Evidence: []string{
					event.JSONEvidence(map[string]any{
						"method":     r.Method,
						"path":       r.URL.Path,
						"query":      r.URL.RawQuery,
						"user_agent": r.UserAgent(),
						"matched":    f.matched,
					}),
				},
				At: time.Now().UTC(),
			})
		}

		next.ServeHTTP(w, r)
	})
}

// handleLogin collects credentials, stalls, and rejects.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if r.Method == http.MethodPost {
		_ = r.ParseForm()
		username := r.PostFormValue("username")
		if username == "" {
			username = r.PostFormValue("log") // wp-login field name
		}
		password := r.PostFormValue("password")
		if password == "" {
			password = r.PostFormValue("pwd")
		}

		if hit, fired := s.auth.Record(ip, username); fired {
			s.emit(event.Observation{
				SourceIP:    ip,
				Protocol:    s.opts.Name,
				Kind:        "http_bruteforce",
				Description: fmt.Sprintf("Repeated login failures on %s (%d attempts)", r.URL.Path, hit.Attempts),
				Evidence: []string{
					event.JSONEvidence(map[string]any{
						"path":      r.URL.Path,
						"attempts":  hit.Attempts,
						"usernames": hit.Usernames,
					}),
				},
				At: time.Now().UTC(),
			})
		}

		listener.Delay(r.Context())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, loginFailedPage)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, loginPage)
}

// handleNotFound serves the 404 page and counts per-source misses; a burst
// above the threshold emits one excessive_404 observation per window.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	s.mu.Lock()
	e, ok := s.notFound[ip]
	now := time.Now()
	if !ok || now.Sub(e.windowFrom) > notFoundWindow {
		e = &notFoundEntry{windowFrom: now}
		s.notFound[ip] = e
	}
	e.count++
	fire := e.count > notFoundThreshold && !e.reported
	if fire {
		e.reported = true
	}
	count := e.count
	s.mu.Unlock()

	if fire {
		s.emit(event.Observation{
			SourceIP:    ip,
			Protocol:    s.opts.Name,
			Kind:        "excessive_404",
			Description: fmt.Sprintf("Excessive missing-path probing (%d in window)", count),
			Evidence: []string{
				event.JSONEvidence(map[string]any{"count": count, "last_path": r.URL.Path}),
			},
			At: now.UTC(),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprint(w, notFoundPage)
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
