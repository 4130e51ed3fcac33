// Package mail implements the SMTP, submission, POP3 and IMAP honeypot
// listeners. The SMTP session is where the close-time rules live: address
// harvesting, relay probing, and the spam-content heuristic.
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

const (
	smtpHostname = "mail.acme-logistics.example"
	sessionIdle  = 5 * time.Minute
	// dataCap bounds how much of a DATA body is kept for the heuristic.
	dataCap = 64 * 1024
)

// SMTPOptions configure one SMTP-family listener.
type SMTPOptions struct {
	Name         string // "smtp" or "submission"
	Port         int
	ScanDuration time.Duration
}

// SMTPServer is the SMTP honeypot module, used for both port 25 and the
// submission port.
type SMTPServer struct {
	opts SMTPOptions
	emit listener.Emit
	log  zerolog.Logger

	auth  *listener.AuthTracker
	conns *listener.ConnTracker

	ln net.Listener
	wg sync.WaitGroup
}

// NewSMTP creates the module.
func NewSMTP(opts SMTPOptions, emit listener.Emit, log zerolog.Logger) *SMTPServer {
	if opts.ScanDuration <= 0 {
		opts.ScanDuration = 500 * time.Millisecond
	}
	if opts.Name == "" {
		opts.Name = "smtp"
	}
	return &SMTPServer{
		opts:  opts,
		emit:  emit,
		log:   log,
		auth:  listener.NewAuthTracker(),
		conns: listener.NewConnTracker(),
	}
}

// Name implements listener.Module.
func (s *SMTPServer) Name() string { return s.opts.Name }

// Port implements listener.Module.
func (s *SMTPServer) Port() int { return s.opts.Port }

// Listen binds the port.
func (s *SMTPServer) Listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("bind :%d: %w", s.opts.Port, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *SMTPServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled.
func (s *SMTPServer) Serve(ctx context.Context) {
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
				s.log.Debug().Err(err).Msg("smtp accept error")
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

// smtpSession is the per-connection SMTP state.
type smtpSession struct {
	ip    string
	start time.Time

	helo       string
	mailFrom   string
	rcptTo     []string
	vrfyCount  int
	dataBodies []string
	commands   []string
	meaningful int
}

func (s *SMTPServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip := listener.RemoteIP(conn)
	if n, fired := s.conns.Connect(ip); fired {
		s.emit(event.Observation{
			SourceIP:    ip,
			Protocol:    s.opts.Name,
			Kind:        s.opts.Name + "_bruteforce_scan",
			Description: fmt.Sprintf("Rapid SMTP reconnects (%d within a minute)", n),
			Evidence:    []string{event.JSONEvidence(map[string]any{"connections": n})},
			At:          time.Now().UTC(),
		})
	}

	se := &smtpSession{ip: ip, start: time.Now()}
	defer s.finish(se)

	reply(conn, "220 "+smtpHostname+" ESMTP Postfix")

	r := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(sessionIdle))
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		se.commands = append(se.commands, line)

		cmd, arg := splitVerb(line)
		switch cmd {
		case "HELO":
			se.helo = arg
			se.meaningful++
			reply(conn, "250 "+smtpHostname)
		case "EHLO":
			se.helo = arg
			se.meaningful++
			reply(conn, "250-"+smtpHostname,
				"250-SIZE 10485760",
				"250-AUTH LOGIN PLAIN",
				"250 8BITMIME")
		case "AUTH":
			s.failAuth(ctx, conn, se, arg)
		case "MAIL":
			se.mailFrom = addressOf(arg)
			se.meaningful++
			reply(conn, "250 2.1.0 Ok")
		case "RCPT":
			se.rcptTo = append(se.rcptTo, addressOf(arg))
			se.meaningful++
			reply(conn, "250 2.1.5 Ok")
		case "VRFY", "EXPN":
			se.vrfyCount++
			reply(conn, "252 2.0.0 Cannot VRFY user, but will accept message")
		case "DATA":
			se.meaningful++
			s.readData(conn, r, se)
		case "RSET":
			se.mailFrom = ""
			se.rcptTo = nil
			reply(conn, "250 2.0.0 Ok")
		case "NOOP":
			reply(conn, "250 2.0.0 Ok")
		case "QUIT":
			reply(conn, "221 2.0.0 Bye")
			return
		default:
			reply(conn, "502 5.5.2 Error: command not recognized")
		}
	}
}

// failAuth rejects any AUTH exchange after the delay. No continuation lines
// are requested or read: the 535 reply follows the AUTH line directly, and
// only the AUTH argument is passed to the bruteforce tracker.
func (s *SMTPServer) failAuth(ctx context.Context, conn net.Conn, se *smtpSession, arg string) {
	if hit, fired := s.auth.Record(se.ip, arg); fired {
		s.emit(event.Observation{
			SourceIP:    se.ip,
			Protocol:    s.opts.Name,
			Kind:        s.opts.Name + "_bruteforce",
			Description: fmt.Sprintf("SMTP AUTH bruteforce from %s (%d attempts)", se.ip, hit.Attempts),
			Evidence: []string{
				event.JSONEvidence(map[string]any{"attempts": hit.Attempts}),
			},
			At: time.Now().UTC(),
		})
	}
	listener.Delay(ctx)
	reply(conn, "535 5.7.8 Error: authentication failed")
}

// readData consumes the DATA body up to the terminating dot. Whole lines are
// kept for the close-time heuristic while fewer than dataCap bytes are held.
func (s *SMTPServer) readData(conn net.Conn, r *bufio.Reader, se *smtpSession) {
	reply(conn, "354 End data with <CR><LF>.<CR><LF>")

	var body strings.Builder
	for {
		_ = conn.SetReadDeadline(time.Now().Add(sessionIdle))
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if body.Len() < dataCap {
			body.WriteString(line)
		}
	}
	se.dataBodies = append(se.dataBodies, body.String())
	reply(conn, "250 2.0.0 Ok: queued as "+queueID())
}

// finish runs the close-time rules: harvesting, relay, spam, port scan.
func (s *SMTPServer) finish(se *smtpSession) {
	now := time.Now().UTC()

	// (a) Address harvesting: bulk RCPT or VRFY/EXPN probing.
	if len(se.rcptTo) > harvestRcptThreshold || se.vrfyCount > harvestVrfyThreshold {
		s.emit(event.Observation{
			SourceIP:    se.ip,
			Protocol:    s.opts.Name,
			Kind:        "email_harvesting",
			Description: fmt.Sprintf("Address harvesting: %d recipients, %d VRFY/EXPN", len(se.rcptTo), se.vrfyCount),
			Evidence: []string{
				event.JSONEvidence(map[string]any{
					"recipients": se.rcptTo,
					"vrfy_count": se.vrfyCount,
				}),
			},
			At: now,
		})
	}

	// (b) Relay probing: many recipients spread across domains.
	domains := make(map[string]struct{})
	for _, rcpt := range se.rcptTo {
		if d := domainOf(rcpt); d != "" {
			domains[d] = struct{}{}
		}
	}
	if len(se.rcptTo) > relayRcptThreshold && len(domains) > relayDomainThreshold {
		list := make([]string, 0, len(domains))
		for d := range domains {
			list = append(list, d)
		}
		s.emit(event.Observation{
			SourceIP:    se.ip,
			Protocol:    s.opts.Name,
			Kind:        "smtp_relay_attempt",
			Description: fmt.Sprintf("Relay attempt: %d recipients across %d domains", len(se.rcptTo), len(domains)),
			Evidence: []string{
				event.JSONEvidence(map[string]any{
					"recipients": se.rcptTo,
					"domains":    list,
					"mail_from":  se.mailFrom,
				}),
			},
			At: now,
		})
	}

	// (c) Spam content heuristic over captured DATA bodies.
	for _, body := range se.dataBodies {
		v := analyzeBody(body)
		if !v.Spam {
			continue
		}
		s.emit(event.Observation{
			SourceIP:    se.ip,
			Protocol:    s.opts.Name,
			Kind:        "smtp_spam_attempt",
			Description: "Spam content in submitted message",
			Evidence:    []string{event.JSONEvidence(v)},
			At:          now,
		})
	}

	// Port-scan rule at close.
	dur := time.Since(se.start)
	if dur < s.opts.ScanDuration && se.meaningful <= 1 {
		s.emit(event.Observation{
			SourceIP:    se.ip,
			Protocol:    s.opts.Name,
			Kind:        s.opts.Name + "_scan",
			Description: "Short SMTP connection with no meaningful activity",
			Evidence: []string{
				event.JSONEvidence(map[string]any{
					"duration_ms": dur.Milliseconds(),
					"commands":    se.commands,
				}),
			},
			At: now,
		})
	}
}

func queueID() string {
	return fmt.Sprintf("%X", time.Now().UnixNano()&0xFFFFFFFF)
}

func reply(conn net.Conn, lines ...string) {
	for _, l := range lines {
		fmt.Fprint(conn, l+"\r\n")
	}
}

func splitVerb(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(strings.TrimSpace(parts[0]))
	arg := ""
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}
