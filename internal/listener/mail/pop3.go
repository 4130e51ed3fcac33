package mail

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ipswamp/honeypot/internal/event"
	"github.com/ipswamp/honeypot/internal/listener"
)

// POP3Options configure the POP3 module.
type POP3Options struct {
	Port         int
	ScanDuration time.Duration
}

// POP3Server is the POP3 honeypot module.
type POP3Server struct {
	opts POP3Options
	emit listener.Emit
	log  zerolog.Logger

	auth  *listener.AuthTracker
	conns *listener.ConnTracker

	ln net.Listener
	wg sync.WaitGroup
}

// NewPOP3 creates the module.
func NewPOP3(opts POP3Options, emit listener.Emit, log zerolog.Logger) *POP3Server {
	if opts.ScanDuration <= 0 {
		opts.ScanDuration = 500 * time.Millisecond
	}
	return &POP3Server{
		opts:  opts,
		emit:  emit,
		log:   log,
		auth:  listener.NewAuthTracker(),
		conns: listener.NewConnTracker(),
	}
}

// Name implements listener.Module.
func (s *POP3Server) Name() string { return "pop3" }

// Port implements listener.Module.
func (s *POP3Server) Port() int { return s.opts.Port }

// Listen binds the port.
func (s *POP3Server) Listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("bind :%d: %w", s.opts.Port, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *POP3Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled.
func (s *POP3Server) Serve(ctx context.Context) {
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
				s.log.Debug().Err(err).Msg("pop3 accept error")
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

func (s *POP3Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip := listener.RemoteIP(conn)
	if n, fired := s.conns.Connect(ip); fired {
		s.emit(event.Observation{
			SourceIP:    ip,
			Protocol:    "pop3",
			Kind:        "pop3_bruteforce_scan",
			Description: fmt.Sprintf("Rapid POP3 reconnects (%d within a minute)", n),
			Evidence:    []string{event.JSONEvidence(map[string]any{"connections": n})},
			At:          time.Now().UTC(),
		})
	}

	start := time.Now()
	username := ""
	meaningful := 0
	var commands []string
	defer func() {
		dur := time.Since(start)
		if dur < s.opts.ScanDuration && meaningful <= 1 {
			s.emit(event.Observation{
				SourceIP:    ip,
				Protocol:    "pop3",
				Kind:        "pop3_scan",
				Description: "Short POP3 connection with no meaningful activity",
				Evidence: []string{
					event.JSONEvidence(map[string]any{
						"duration_ms": dur.Milliseconds(),
						"commands":    commands,
					}),
				},
				At: time.Now().UTC(),
			})
		}
	}()

	reply(conn, "+OK POP3 server ready")

	r := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(sessionIdle))
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		commands = append(commands, line)

		cmd, arg := splitVerb(line)
		switch cmd {
		case "CAPA":
			reply(conn, "+OK Capability list follows", "USER", "UIDL", ".")
		case "USER":
			username = arg
			meaningful++
			reply(conn, "+OK")
		case "PASS":
			meaningful++
			if hit, fired := s.auth.Record(ip, username); fired {
				s.emit(event.Observation{
					SourceIP:    ip,
					Protocol:    "pop3",
					Kind:        "pop3_bruteforce",
					Description: fmt.Sprintf("POP3 bruteforce from %s (%d attempts)", ip, hit.Attempts),
					Evidence: []string{
						event.JSONEvidence(map[string]any{
							"attempts":  hit.Attempts,
							"usernames": hit.Usernames,
						}),
					},
					At: time.Now().UTC(),
				})
			}
			listener.Delay(ctx)
			reply(conn, "-ERR [AUTH] Authentication failed")
		case "STAT", "LIST", "RETR", "DELE", "UIDL", "TOP":
			// Everything behind authentication stays locked.
			reply(conn, "-ERR Command not valid in this state")
		case "NOOP":
			reply(conn, "+OK")
		case "QUIT":
			reply(conn, "+OK Bye")
			return
		default:
			reply(conn, "-ERR Unknown command")
		}
	}
}
