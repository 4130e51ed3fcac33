// Package ftp implements the FTP honeypot listener: a control-channel
// session with always-failing logins, a passive data channel good enough
// for LIST and STOR, and a hard cap on uploaded bytes.
package ftp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ipswamp/honeypot/internal/event"
	"github.com/ipswamp/honeypot/internal/listener"
)

const (
	banner = "220 ProFTPD 1.3.7a Server ready."
	// uploadCap bounds how much of a STOR body is read before the
	// connection is dropped. Keeps storage abuse off the table.
	uploadCap = 1024

	sessionIdle = 5 * time.Minute
)

// Options configure the FTP module.
type Options struct {
	Port         int
	ScanDuration time.Duration
}

// Server is the FTP honeypot module.
type Server struct {
	opts Options
	emit listener.Emit
	log  zerolog.Logger

	auth  *listener.AuthTracker
	conns *listener.ConnTracker

	ln net.Listener
	wg sync.WaitGroup
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
func (s *Server) Name() string { return "ftp" }

// Port implements listener.Module.
func (s *Server) Port() int { return s.opts.Port }

// Listen binds the control port.
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
				s.log.Debug().Err(err).Msg("ftp accept error")
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

// session is the per-connection FTP state.
type session struct {
	conn     net.Conn
	ip       string
	start    time.Time
	username string

	commands   []string
	meaningful int

	dataLn net.Listener // passive-mode data listener, one shot
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip := listener.RemoteIP(conn)
	if n, fired := s.conns.Connect(ip); fired {
		s.emit(event.Observation{
			SourceIP:    ip,
			Protocol:    "ftp",
			Kind:        "ftp_bruteforce_scan",
			Description: fmt.Sprintf("Rapid FTP reconnects (%d within a minute)", n),
			Evidence:    []string{event.JSONEvidence(map[string]any{"connections": n})},
			At:          time.Now().UTC(),
		})
	}

	se := &session{conn: conn, ip: ip, start: time.Now()}
	defer s.finish(se)
	defer func() {
		if se.dataLn != nil {
			se.dataLn.Close()
		}
	}()

	reply(conn, banner)

	r := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(sessionIdle))
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := splitCommand(line)
		se.commands = append(se.commands, line)

		switch cmd {
		case "USER":
			se.username = arg
			reply(conn, "331 Password required for "+arg)
		case "PASS":
			s.failAuth(ctx, se)
		case "SYST":
			se.meaningful++
			reply(conn, "215 UNIX Type: L8")
		case "FEAT":
			reply(conn, "211-Features:\r\n PASV\r\n SIZE\r\n211 End")
		case "TYPE":
			reply(conn, "200 Type set to "+arg)
		case "PWD":
			se.meaningful++
			reply(conn, `257 "/" is the current directory`)
		case "CWD":
			se.meaningful++
			reply(conn, "250 CWD command successful")
		case "PASV":
			se.meaningful++
			s.openPassive(se)
		case "LIST", "NLST":
			se.meaningful++
			s.sendListing(se)
		case "RETR":
			se.meaningful++
			reply(conn, "550 "+arg+": No such file or directory")
		case "STOR":
			se.meaningful++
			s.receiveUpload(se, arg)
		case "NOOP":
			reply(conn, "200 NOOP command successful")
		case "QUIT":
			reply(conn, "221 Goodbye.")
			return
		default:
			reply(conn, "502 Command not implemented")
		}
	}
}

// failAuth stalls and rejects, feeding the bruteforce tracker.
func (s *Server) failAuth(ctx context.Context, se *session) {
	if hit, fired := s.auth.Record(se.ip, se.username); fired {
		s.emit(event.Observation{
			SourceIP:    se.ip,
			Protocol:    "ftp",
			Kind:        "ftp_bruteforce",
			Description: fmt.Sprintf("FTP bruteforce from %s (%d attempts)", se.ip, hit.Attempts),
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
	reply(se.conn, "530 Login incorrect.")
}

// openPassive binds a one-shot data listener and advertises it.
func (s *Server) openPassive(se *session) {
	if se.dataLn != nil {
		se.dataLn.Close()
	}
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		reply(se.conn, "425 Can't open data connection.")
		return
	}
	se.dataLn = ln

	hostIP := localIPFor(se.conn)
	port := ln.Addr().(*net.TCPAddr).Port
	reply(se.conn, fmt.Sprintf("227 Entering Passive Mode (%s,%d,%d).",
		strings.ReplaceAll(hostIP, ".", ","), port/256, port%256))
}

// sendListing serves a fixed lure listing over the data channel.
func (s *Server) sendListing(se *session) {
	data := s.acceptData(se)
	if data == nil {
		return
	}
	defer data.Close()

	reply(se.conn, "150 Opening ASCII mode data connection for file list")
	fmt.Fprint(data, "-rw-r--r--   1 ftp      ftp          4823 Mar 11  2023 invoices_2023.xlsx\r\n")
	fmt.Fprint(data, "-rw-r--r--   1 ftp      ftp         12288 Jan 30  2023 backup_credentials.zip\r\n")
	fmt.Fprint(data, "drwxr-xr-x   2 ftp      ftp          4096 Feb  2  2023 uploads\r\n")
	reply(se.conn, "226 Transfer complete.")
}

// receiveUpload slurps at most uploadCap bytes, discards them, and records
// the attempt.
func (s *Server) receiveUpload(se *session, filename string) {
	data := s.acceptData(se)
	if data == nil {
		return
	}
	defer data.Close()

	reply(se.conn, "150 Ok to send data.")
	n, _ := io.Copy(io.Discard, io.LimitReader(data, uploadCap))
	reply(se.conn, "226 Transfer complete.")

	s.emit(event.Observation{
		SourceIP:    se.ip,
		Protocol:    "ftp",
		Kind:        "ftp_upload",
		Description: "File upload attempt " + filename,
		Evidence: []string{
			event.JSONEvidence(map[string]any{
				"filename":   filename,
				"bytes_read": n,
				"truncated":  n >= uploadCap,
			}),
		},
		At: time.Now().UTC(),
	})
}

// acceptData waits briefly for the client on the passive listener.
func (s *Server) acceptData(se *session) net.Conn {
	if se.dataLn == nil {
		reply(se.conn, "425 Use PASV first.")
		return nil
	}
	ln := se.dataLn
	se.dataLn = nil
	defer ln.Close()

	if tcp, ok := ln.(*net.TCPListener); ok {
		_ = tcp.SetDeadline(time.Now().Add(10 * time.Second))
	}
	conn, err := ln.Accept()
	if err != nil {
		reply(se.conn, "425 Can't open data connection.")
		return nil
	}
	return conn
}

// finish runs the close-time port-scan rule.
func (s *Server) finish(se *session) {
	dur := time.Since(se.start)
	if dur < s.opts.ScanDuration && se.meaningful <= 1 {
		s.emit(event.Observation{
			SourceIP:    se.ip,
			Protocol:    "ftp",
			Kind:        "ftp_scan",
			Description: "Short FTP connection with no meaningful activity",
			Evidence: []string{
				event.JSONEvidence(map[string]any{
					"duration_ms": dur.Milliseconds(),
					"commands":    se.commands,
				}),
			},
			At: time.Now().UTC(),
		})
	}
}

func reply(conn net.Conn, line string) {
	fmt.Fprint(conn, line+"\r\n")
}

func splitCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(strings.TrimSpace(parts[0]))
	arg := ""
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

// localIPFor returns the server-side IP of the control connection, for the
// PASV reply.
func localIPFor(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil || host == "::" || host == "0.0.0.0" || host == "" {
		return "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		return "127.0.0.1" // PASV cannot express IPv6
	}
	return host
}
