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

// IMAPOptions configure the IMAP module.
type IMAPOptions struct {
	Port         int
	ScanDuration time.Duration
}

// IMAPServer is the IMAP honeypot module.
type IMAPServer struct {
	opts IMAPOptions
	emit listener.Emit
	log  zerolog.Logger

	auth  *listener.AuthTracker
	conns *listener.ConnTracker

	ln net.Listener
	wg sync.WaitGroup
}

// NewIMAP creates the module.
func NewIMAP(opts IMAPOptions, emit listener.Emit, log zerolog.Logger) *IMAPServer {
	if opts.ScanDuration <= 0 {
		opts.ScanDuration = 500 * time.Millisecond
	}
	return &IMAPServer{
		opts:  opts,
		emit:  emit,
		log:   log,
		auth:  listener.NewAuthTracker(),
		conns: listener.NewConnTracker(),
	}
}

// Name implements listener.Module.
func (s *IMAPServer) Name() string { return "imap" }

// Port implements listener.Module.
func (s *IMAPServer) Port() int { return s.opts.Port }

// Listen binds the port.
func (s *IMAPServer) Listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("bind :%d: %w", s.opts.Port, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *IMAPServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled.
func (s *IMAPServer) Serve(ctx context.Context) {
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
				s.log.Debug().Err(err).Msg("imap accept error")
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

func (s *IMAPServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip := listener.RemoteIP(conn)
	if n, fired := s.conns.Connect(ip); fired {
		s.emit(event.Observation{
			SourceIP:    ip,
			Protocol:    "imap",
			Kind:        "imap_bruteforce_scan",
			Description: fmt.Sprintf("Rapid IMAP reconnects (%d within a minute)", n),
			Evidence:    []string{event.JSONEvidence(map[string]any{"connections": n})},
			At:          time.Now().UTC(),
		})
	}

	start := time.Now()
	meaningful := 0
	var commands []string
	defer func() {
		dur := time.Since(start)
		if dur < s.opts.ScanDuration && meaningful <= 1 {
			s.emit(event.Observation{
				SourceIP:    ip,
				Protocol:    "imap",
				Kind:        "imap_scan",
				Description: "Short IMAP connection with no meaningful activity",
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

	reply(conn, "* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN AUTH=LOGIN] Dovecot ready.")

	r := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(sessionIdle))
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		commands = append(commands, line)

		tag, cmd, args := splitIMAP(line)
		if tag == "" {
			reply(conn, "* BAD Missing tag")
			continue
		}

		switch cmd {
		case "CAPABILITY":
			reply(conn, "* CAPABILITY IMAP4rev1 AUTH=PLAIN AUTH=LOGIN", tag+" OK CAPABILITY completed")
		case "NOOP":
			reply(conn, tag+" OK NOOP completed")
		case "LOGIN":
			meaningful++
			username := ""
			if len(args) > 0 {
				username = strings.Trim(args[0], `"`)
			}
			if hit, fired := s.auth.Record(ip, username); fired {
				s.emit(event.Observation{
					SourceIP:    ip,
					Protocol:    "imap",
					Kind:        "imap_bruteforce",
					Description: fmt.Sprintf("IMAP bruteforce from %s (%d attempts)", ip, hit.Attempts),
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
			reply(conn, tag+" NO [AUTHENTICATIONFAILED] Authentication failed.")
		case "AUTHENTICATE":
			meaningful++
			if _, fired := s.auth.Record(ip, ""); fired {
				s.emit(event.Observation{
					SourceIP:    ip,
					Protocol:    "imap",
					Kind:        "imap_bruteforce",
					Description: fmt.Sprintf("IMAP bruteforce from %s", ip),
					At:          time.Now().UTC(),
				})
			}
			listener.Delay(ctx)
			reply(conn, tag+" NO [AUTHENTICATIONFAILED] Authentication failed.")
		case "LIST", "SELECT", "EXAMINE", "FETCH", "SEARCH", "STATUS":
			reply(conn, tag+" NO Not authenticated")
		case "LOGOUT":
			reply(conn, "* BYE Logging out", tag+" OK LOGOUT completed")
			return
		default:
			reply(conn, tag+" BAD Unknown command")
		}
	}
}

// splitIMAP parses "tag COMMAND arg arg…".
func splitIMAP(line string) (tag, cmd string, args []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", "", nil
	}
	if len(fields) == 1 {
		return fields[0], "", nil
	}
	return fields[0], strings.ToUpper(fields[1]), fields[2:]
}
