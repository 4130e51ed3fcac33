package sshd

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

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

func (c *collector) has(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.obs {
		if o.Kind == kind {
			return true
		}
	}
	return false
}

func TestHostKeyPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh_host_key")

	first, err := LoadOrCreateHostKey(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := LoadOrCreateHostKey(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ssh.FingerprintSHA256(first.PublicKey()) != ssh.FingerprintSHA256(second.PublicKey()) {
		t.Fatal("host key changed across loads")
	}
}

func TestAuthAlwaysFailsAndBruteforceFires(t *testing.T) {
	c := &collector{}
	s := New(Options{Port: 0, HostKeyPath: filepath.Join(t.TempDir(), "key")}, c.emit, zerolog.Nop())
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	addr := s.Addr().String()
	for i := 0; i < 3; i++ {
		cfg := &ssh.ClientConfig{
			User:            "root",
			Auth:            []ssh.AuthMethod{ssh.Password("toor")},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         5 * time.Second,
		}
		if _, err := ssh.Dial("tcp", addr, cfg); err == nil {
			t.Fatal("authentication unexpectedly succeeded")
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for !c.has("ssh_bruteforce") {
		if time.Now().After(deadline) {
			t.Fatal("no ssh_bruteforce observation after 3 failed logins")
		}
		time.Sleep(50 * time.Millisecond)
	}
	// Three connects inside a minute also trip the rapid-connection rule.
	if !c.has("ssh_bruteforce_scan") {
		t.Fatal("no ssh_bruteforce_scan observation after rapid reconnects")
	}
}

func TestPortScanTimerCancelledByAuth(t *testing.T) {
	se := &session{}
	var fired atomic.Bool
	se.scanTimer = time.AfterFunc(30*time.Millisecond, func() { fired.Store(true) })
	se.markAuth("root")
	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Fatal("port-scan timer fired after an auth attempt")
	}
}
