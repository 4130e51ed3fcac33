package mysqld

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ipswamp/honeypot/internal/event"
)

type collector struct {
	mu  sync.Mutex
	obs []event.Observation
}

func (c *collector) emit(o event.Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs = append(c.obs, o)
}

func (c *collector) waitFor(t *testing.T, kind string, timeout time.Duration) event.Observation {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, o := range c.obs {
			if o.Kind == kind {
				c.mu.Unlock()
				return o
			}
		}
		c.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no %s observation", kind)
	return event.Observation{}
}

func TestHandshakeLayout(t *testing.T) {
	var salt [20]byte
	for i := range salt {
		salt[i] = byte(i + 1)
	}
	p := buildHandshake(42, salt)

	if p[0] != protocolVersion {
		t.Fatalf("protocol version = %#x", p[0])
	}
	nul := bytes.IndexByte(p[1:], 0x00)
	if nul < 0 {
		t.Fatal("server version not null-terminated")
	}
	if got := string(p[1 : 1+nul]); got != serverVersion {
		t.Errorf("server version = %q", got)
	}
	rest := p[1+nul+1:]
	if got := binary.LittleEndian.Uint32(rest[:4]); got != 42 {
		t.Errorf("connection id = %d", got)
	}
	// First salt half after the connection id, null-filled.
	if !bytes.Equal(rest[4:12], salt[:8]) {
		t.Error("first salt half misplaced")
	}
	if rest[12] != 0x00 {
		t.Error("salt filler missing")
	}
	if !bytes.HasSuffix(p, append([]byte(authPluginName), 0x00)) {
		t.Error("auth plugin name missing")
	}
	// Second salt half sits right before the plugin name.
	tail := p[len(p)-len(authPluginName)-1-13 : len(p)-len(authPluginName)-1]
	if !bytes.Equal(tail[:12], salt[8:]) {
		t.Error("second salt half misplaced")
	}
}

func TestErrorPacketLayout(t *testing.T) {
	p := buildError(errAccessDenied, accessSQLState, "Access denied")
	if p[0] != 0xff {
		t.Fatalf("marker = %#x", p[0])
	}
	if got := binary.LittleEndian.Uint16(p[1:3]); got != 1045 {
		t.Errorf("code = %d", got)
	}
	if p[3] != '#' {
		t.Errorf("state marker = %q", p[3])
	}
	if got := string(p[4:9]); got != "28000" {
		t.Errorf("sql state = %q", got)
	}
	if got := string(p[9:]); got != "Access denied" {
		t.Errorf("message = %q", got)
	}
}

// buildLogin fabricates a minimal HandshakeResponse41.
func buildLogin(username string) []byte {
	p := make([]byte, 32)
	binary.LittleEndian.PutUint32(p[0:4], 0x00008205) // client flags
	binary.LittleEndian.PutUint32(p[4:8], 1<<24)      // max packet
	p[8] = charsetUTF8MB4
	p = append(p, username...)
	p = append(p, 0x00)
	p = append(p, 0x00) // empty auth response
	return p
}

func TestParseLoginUsername(t *testing.T) {
	if got := parseLoginUsername(buildLogin("root")); got != "root" {
		t.Fatalf("username = %q", got)
	}
	if got := parseLoginUsername([]byte{0x01, 0x02}); got != "" {
		t.Fatalf("malformed packet produced %q", got)
	}
}

func startServer(t *testing.T) (*collector, string) {
	t.Helper()
	c := &collector{}
	s := New(Options{Port: 0}, c.emit, zerolog.Nop())
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Serve(ctx)
	return c, s.Addr().String()
}

func TestAuthAlwaysDenied(t *testing.T) {
	_, addr := startServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	seq, handshake, err := readPacket(conn)
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if seq != 0 || handshake[0] != protocolVersion {
		t.Fatalf("handshake seq=%d first=%#x", seq, handshake[0])
	}

	if err := writePacket(conn, 1, buildLogin("root")); err != nil {
		t.Fatal(err)
	}
	_, errPkt, err := readPacket(conn)
	if err != nil {
		t.Fatalf("read error packet: %v", err)
	}
	if errPkt[0] != 0xff {
		t.Fatalf("expected ERR packet, got %#x", errPkt[0])
	}
	if got := binary.LittleEndian.Uint16(errPkt[1:3]); got != 1045 {
		t.Fatalf("error code = %d", got)
	}
	if !strings.Contains(string(errPkt), "Access denied for user 'root'") {
		t.Fatalf("message = %q", string(errPkt[9:]))
	}
}

func TestQueryInspectionBestEffort(t *testing.T) {
	c, addr := startServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(15 * time.Second))

	if _, _, err := readPacket(conn); err != nil {
		t.Fatal(err)
	}
	if err := writePacket(conn, 1, buildLogin("admin")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := readPacket(conn); err != nil { // access denied
		t.Fatal(err)
	}

	// Fire a statement anyway, like scanners do.
	query := append([]byte{comQuery}, "SELECT * FROM users UNION SELECT password FROM mysql.user"...)
	if err := writePacket(conn, 0, query); err != nil {
		t.Fatal(err)
	}

	obs := c.waitFor(t, "sql_injection", 3*time.Second)
	if obs.Protocol != "mysql" {
		t.Errorf("protocol = %q", obs.Protocol)
	}
	// The reply is still an error: nothing is ever authenticated.
	_, reply, err := readPacket(conn)
	if err != nil {
		t.Fatal(err)
	}
	if reply[0] != 0xff {
		t.Fatalf("post-auth query got %#x, want ERR", reply[0])
	}
}

func TestThreeLoginsTripBruteforce(t *testing.T) {
	c, addr := startServer(t)

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatal(err)
		}
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
		if _, _, err := readPacket(conn); err != nil {
			t.Fatal(err)
		}
		if err := writePacket(conn, 1, buildLogin("root")); err != nil {
			t.Fatal(err)
		}
		_, _, _ = readPacket(conn)
		conn.Close()
	}

	c.waitFor(t, "mysql_bruteforce", 3*time.Second)
}
