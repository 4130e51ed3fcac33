// Package sshd implements the SSH honeypot listener. Every authentication
// attempt fails after a delay; the interesting output is the observation
// stream: port scans (silent connects), bruteforce runs, and rapid
// reconnects.
package sshd

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/ipswamp/honeypot/internal/event"
	"github.com/ipswamp/honeypot/internal/listener"
)

const (
	serverVersion = "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.1"
	// portScanDelay is how long a connection may stay silent before it
	// counts as a port scan.
	portScanDelay = 5 * time.Second
)

// Options configure the SSH module.
type Options struct {
	Port        int
	HostKeyPath string
}

// Server is the SSH honeypot module.
type Server struct {
	opts Options
	emit listener.Emit
	log  zerolog.Logger

	auth  *listener.AuthTracker
	conns *listener.ConnTracker

	sshConfig *ssh.ServerConfig
	ln        net.Listener
	wg        sync.WaitGroup
}

// New creates the module.
func New(opts Options, emit listener.Emit, log zerolog.Logger) *Server {
	return &Server{
		opts:  opts,
		emit:  emit,
		log:   log,
		auth:  listener.NewAuthTracker(),
		conns: listener.NewConnTracker(),
	}
}

// Name implements listener.Module.
func (s *Server) Name() string { return "ssh" }

// Port implements listener.Module.
func (s *Server) Port() int { return s.opts.Port }

// Listen loads the host key and binds the port.
func (s *Server) Listen() error {
	signer, err := LoadOrCreateHostKey(s.opts.HostKeyPath)
	if err != nil {
		return fmt.Errorf("host key: %w", err)
	}

	cfg := &ssh.ServerConfig{
		ServerVersion: serverVersion,
		MaxAuthTries:  6,
	}
	cfg.AddHostKey(signer)
	s.sshConfig = cfg

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("bind :%d: %w", s.opts.Port, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) {
	go s.auth.RunSweep(ctx)
	go s.conns.RunSweep(ctx)
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return
			default:
				s.log.Debug().Err(err).Msg("ssh accept error")
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// session tracks one connection's auth activity and its port-scan timer.
type session struct {
	mu        sync.Mutex
	authSeen  bool
	attempts  int
	scanTimer *time.Timer
	usernames []string
}

// markAuth cancels the port-scan timer on the first attempt. Safe against
// the timer firing concurrently.
func (se *session) markAuth(username string) {
	se.mu.Lock()
	defer se.mu.Unlock()
	se.attempts++
	se.usernames = append(se.usernames, username)
	if !se.authSeen {
		se.authSeen = true
		if se.scanTimer != nil {
			se.scanTimer.Stop()
		}
	}
}

func (se *session) close() {
	se.mu.Lock()
	defer se.mu.Unlock()
	if se.scanTimer != nil {
		se.scanTimer.Stop()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip := listener.RemoteIP(conn)
	port := listener.RemotePort(conn)

	if n, fired := s.conns.Connect(ip); fired {
		s.emit(event.Observation{
			SourceIP:    ip,
			SourcePort:  port,
			Protocol:    "ssh",
			Kind:        "ssh_bruteforce_scan",
			Description: fmt.Sprintf("Rapid SSH reconnects (%d within a minute)", n),
			Evidence:    []string{event.JSONEvidence(map[string]any{"connections": n})},
			At:          time.Now().UTC(),
		})
	}

	se := &session{}
	se.mu.Lock()
	se.scanTimer = time.AfterFunc(portScanDelay, func() {
		se.mu.Lock()
		fired := !se.authSeen
		se.mu.Unlock()
		if !fired {
			return
		}
		s.emit(event.Observation{
			SourceIP:    ip,
			SourcePort:  port,
			Protocol:    "ssh",
			Kind:        "port_scan",
			Description: "SSH connection with no authentication attempt",
			Evidence:    []string{event.JSONEvidence(map[string]any{"timeout_seconds": int(portScanDelay.Seconds())})},
			At:          time.Now().UTC(),
		})
		// The silent peer gets disconnected once counted.
		conn.Close()
	})
	se.mu.Unlock()
	defer se.close()

	cfg := s.connConfig(ctx, ip, se)

	// Authentication never succeeds, so the handshake always ends in an
	// error. The value is in the callbacks that ran along the way.
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	// Unreachable by policy; close defensively if the handshake ever passes.
	go ssh.DiscardRequests(reqs)
	for ch := range chans {
		_ = ch.Reject(ssh.Prohibited, "administratively prohibited")
	}
	sshConn.Close()
}

// connConfig clones the server config with per-session auth callbacks.
func (s *Server) connConfig(ctx context.Context, ip string, se *session) *ssh.ServerConfig {
	cfg := *s.sshConfig

	record := func(username, method, secret string) error {
		se.markAuth(username)

		if hit, fired := s.auth.Record(ip, username); fired {
			s.emit(event.Observation{
				SourceIP:    ip,
				Protocol:    "ssh",
				Kind:        "ssh_bruteforce",
				Description: fmt.Sprintf("SSH bruteforce from %s (%d attempts)", ip, hit.Attempts),
				Evidence: []string{
					event.JSONEvidence(map[string]any{
						"attempts":  hit.Attempts,
						"usernames": hit.Usernames,
						"method":    method,
					}),
				},
				At: time.Now().UTC(),
			})
		}

		listener.Delay(ctx)
		return fmt.Errorf("password rejected for %q", username)
	}

	cfg.PasswordCallback = func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
		return nil, record(meta.User(), "password", string(password))
	}
	cfg.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		return nil, record(meta.User(), "publickey", ssh.FingerprintSHA256(key))
	}
	return &cfg
}
