// Package mysqld implements the MySQL honeypot listener. It speaks just
// enough of the wire protocol to collect login attempts: handshake out,
// auth packet in, access denied back. The session never reaches an
// authenticated state; query inspection is best-effort on whatever the
// peer sends next.
package mysqld

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ipswamp/honeypot/internal/event"
	"github.com/ipswamp/honeypot/internal/listener"
)

// sqliTokens is the query token set checked on every parsed statement.
var sqliTokens = []string{
	"union select", "or 1=1", "information_schema", "sleep(",
	"benchmark(", "into outfile", "load_file", "or '1'='1",
}

// Options configure the MySQL module.
type Options struct {
	Port         int
	ScanDuration time.Duration
}

// Server is the MySQL honeypot module.
type Server struct {
	opts Options
	emit listener.Emit
	log  zerolog.Logger

	auth  *listener.AuthTracker
	conns *listener.ConnTracker

	connID atomic.Uint32
	ln     net.Listener
	wg     sync.WaitGroup
}

// New creates the module.
func New(opts Options, emit listener.Emit, log zerolog.Logger) *Server {
	if opts.ScanDuration <= 0 {
		opts.ScanDuration = 500 * time.Millisecond
	}
	return &Server{
		opts:  opts,
		emit:  emit,
		log:   log,
		auth:  listener.NewAuthTracker(),
		conns: listener.NewConnTracker(),
	}
}

// Name implements listener.Module.
func (s *Server) Name() string { return "mysql" }

// Port implements listener.Module.
func (s *Server) Port() int { return s.opts.Port }

// Listen binds the port.
func (s *Server) Listen() error {
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
				s.log.Debug().Err(err).Msg("mysql accept error")
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

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip := listener.RemoteIP(conn)
	start := time.Now()
	authSeen := false

	if n, fired := s.conns.Connect(ip); fired {
		s.emit(event.Observation{
			SourceIP:    ip,
			Protocol:    "mysql",
			Kind:        "mysql_bruteforce_scan",
			Description: fmt.Sprintf("Rapid MySQL reconnects (%d within a minute)", n),
			Evidence:    []string{event.JSONEvidence(map[string]any{"connections": n})},
			At:          time.Now().UTC(),
		})
	}

	defer func() {
		dur := time.Since(start)
		if dur < s.opts.ScanDuration && !authSeen {
			s.emit(event.Observation{
				SourceIP:    ip,
				Protocol:    "mysql",
				Kind:        "mysql_scan",
				Description: "Short MySQL connection with no login attempt",
				Evidence: []string{
					event.JSONEvidence(map[string]any{"duration_ms": dur.Milliseconds()}),
				},
				At: time.Now().UTC(),
			})
		}
	}()

	var salt [20]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return
	}
	connID := s.connID.Add(1)

	_ = conn.SetDeadline(time.Now().Add(time.Minute))
	if err := writePacket(conn, 0, buildHandshake(connID, salt)); err != nil {
		return
	}

	// Login packet.
	_, loginPayload, err := readPacket(conn)
	if err != nil {
		return
	}
	authSeen = true
	username := parseLoginUsername(loginPayload)

	if hit, fired := s.auth.Record(ip, username); fired {
		s.emit(event.Observation{
			SourceIP:    ip,
			Protocol:    "mysql",
			Kind:        "mysql_bruteforce",
			Description: fmt.Sprintf("MySQL bruteforce from %s (%d attempts)", ip, hit.Attempts),
			Evidence: []string{
				event.JSONEvidence(map[string]any{
					"attempts":  hit.Attempts,
					"usernames": hit.Usernames,
				}),
			},
			At: time.Now().UTC(),
		})
	}

	// Authentication always fails. The session never flips to an
	// authenticated state.
	listener.Delay(ctx)
	denied := fmt.Sprintf("Access denied for user '%s'@'%s' (using password: YES)", username, ip)
	if err := writePacket(conn, 2, buildError(errAccessDenied, accessSQLState, denied)); err != nil {
		return
	}

	// Best-effort query inspection: some clients fire a statement anyway.
	// No assumption of authenticated state is made; everything still
	// gets an access-denied error.
	for i := 0; i < 4; i++ {
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
		seq, payload, err := readPacket(conn)
		if err != nil {
			return
		}
		op, arg := parseCommand(payload)
		switch op {
		case comQuit:
			return
		case comQuery:
			s.inspectQuery(ip, string(arg))
		case comPing:
		}
		_ = writePacket(conn, seq+1, buildError(errAccessDenied, accessSQLState, denied))
	}
}

// inspectQuery scans a statement for the SQL injection token set.
func (s *Server) inspectQuery(ip, query string) {
	lower := strings.ToLower(query)
	for _, tok := range sqliTokens {
		if strings.Contains(lower, tok) {
			s.emit(event.Observation{
				SourceIP:    ip,
				Protocol:    "mysql",
				Kind:        "sql_injection",
				Description: "SQL injection pattern in MySQL query",
				Evidence: []string{
					event.JSONEvidence(map[string]any{
						"query":   truncate(query, 512),
						"matched": tok,
					}),
				},
				At: time.Now().UTC(),
			})
			return
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
