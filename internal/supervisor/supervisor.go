// Package supervisor wires the pipeline together: it starts the enabled
// listeners, routes observations through classification and throttling into
// the API client, owns the heartbeat scheduler, and serves the diagnostics
// surface.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ipswamp/honeypot/internal/api"
	"github.com/ipswamp/honeypot/internal/archive"
	"github.com/ipswamp/honeypot/internal/classify"
	"github.com/ipswamp/honeypot/internal/config"
	"github.com/ipswamp/honeypot/internal/event"
	"github.com/ipswamp/honeypot/internal/listener"
	"github.com/ipswamp/honeypot/internal/listener/ftp"
	"github.com/ipswamp/honeypot/internal/listener/httpserver"
	"github.com/ipswamp/honeypot/internal/listener/mail"
	"github.com/ipswamp/honeypot/internal/listener/mysqld"
	"github.com/ipswamp/honeypot/internal/listener/sshd"
	"github.com/ipswamp/honeypot/internal/throttle"
)

// Version is set at build time.
var Version = "1.2.0"

const shutdownGrace = 10 * time.Second

// ModuleStatus is the per-module state shown on /monitor.
type ModuleStatus struct {
	Name   string `json:"name"`
	Port   int    `json:"port"`
	Status string `json:"status"` // "active" or "error"
	Error  string `json:"error,omitempty"`
}

// Supervisor owns the process lifecycle.
type Supervisor struct {
	cfg *config.Config
	log zerolog.Logger

	attackLog  zerolog.Logger
	suspectLog zerolog.Logger

	client    *api.Client
	spool     *api.Spool
	reporter  *api.Reporter
	heartbeat *api.HeartbeatScheduler
	cache     *throttle.Cache
	arch      *archive.Store // nil when disabled

	modules []listener.Module

	statusMu sync.Mutex
	status   []ModuleStatus

	startedAt time.Time
	wg        sync.WaitGroup
}

// New builds the full pipeline from configuration.
func New(cfg *config.Config, log, attackLog, suspectLog zerolog.Logger) (*Supervisor, error) {
	s := &Supervisor{
		cfg:        cfg,
		log:        log,
		attackLog:  attackLog,
		suspectLog: suspectLog,
		startedAt:  time.Now(),
	}

	// State and lure content directories. The lure dirs are only created;
	// listeners serve built-in content and do not read them.
	dirs := []string{cfg.LogDir, cfg.KeysDir}
	if cfg.EnableFTP {
		dirs = append(dirs, "ftp")
	}
	if cfg.EnableMail {
		dirs = append(dirs, "mail")
	}
	if cfg.EnableMySQL {
		dirs = append(dirs, "mysql")
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Debug().Err(err).Str("dir", dir).Msg("directory create failed")
		}
	}

	spool, err := api.NewSpool(cfg.SpoolPath(), cfg.SpoolClearOnStart, log)
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	s.spool = spool

	s.client = api.NewClient(cfg.APIEndpoint, cfg.APIKey, cfg.HoneypotID, log)
	s.reporter = api.NewReporter(s.client, spool, cfg.OfflineMode, log)
	s.heartbeat = api.NewHeartbeatScheduler(s.client, cfg.HeartbeatInterval,
		cfg.HeartbeatRetryCount, cfg.HeartbeatRetryDelay, cfg.DebugMode, cfg.OfflineMode, log)

	s.cache = throttle.New(throttle.Options{
		TTL:             cfg.IPCacheTTL,
		MaxReportsPerIP: cfg.MaxReportsPerIP,
		UniqueTypesOnly: cfg.ReportUniqueTypesOnly,
	})

	if cfg.ArchiveEnabled {
		arch, err := archive.Open(cfg.ArchivePath())
		if err != nil {
			// The archive is diagnostics-only; its loss never stops the
			// honeypot.
			log.Warn().Err(err).Msg("attack archive unavailable")
		} else {
			s.arch = arch
		}
	}

	s.buildModules()
	return s, nil
}

// buildModules instantiates every enabled listener.
func (s *Supervisor) buildModules() {
	cfg := s.cfg
	emit := s.HandleObservation
	diag := s.diagnosticsHandler()

	if cfg.EnableHTTP {
		s.modules = append(s.modules, httpserver.New(httpserver.Options{
			Name: "http", Port: cfg.HTTPPort, Diagnostics: diag,
		}, emit, s.log))
	}
	if cfg.EnableHTTPS {
		s.modules = append(s.modules, httpserver.New(httpserver.Options{
			Name: "https", Port: cfg.HTTPSPort, TLS: true,
			CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile,
			Diagnostics: diag,
		}, emit, s.log))
	}
	if cfg.EnableSSH {
		s.modules = append(s.modules, sshd.New(sshd.Options{
			Port: cfg.SSHPort, HostKeyPath: cfg.HostKeyPath(),
		}, emit, s.log))
	}
	if cfg.EnableFTP {
		s.modules = append(s.modules, ftp.New(ftp.Options{
			Port: cfg.FTPPort, ScanDuration: cfg.ScanDuration,
		}, emit, s.log))
	}
	if cfg.EnableMail {
		s.modules = append(s.modules,
			mail.NewSMTP(mail.SMTPOptions{Name: "smtp", Port: cfg.SMTPPort, ScanDuration: cfg.ScanDuration}, emit, s.log),
			mail.NewSMTP(mail.SMTPOptions{Name: "submission", Port: cfg.SMTPSubmissionPort, ScanDuration: cfg.ScanDuration}, emit, s.log),
			mail.NewPOP3(mail.POP3Options{Port: cfg.POP3Port, ScanDuration: cfg.ScanDuration}, emit, s.log),
			mail.NewIMAP(mail.IMAPOptions{Port: cfg.IMAPPort, ScanDuration: cfg.ScanDuration}, emit, s.log),
		)
	}
	if cfg.EnableMySQL {
		s.modules = append(s.modules, mysqld.New(mysqld.Options{
			Port: cfg.MySQLPort, ScanDuration: cfg.ScanDuration,
		}, emit, s.log))
	}
}

// Run starts everything and blocks until ctx is cancelled. It returns an
// error only when no enabled listener could bind.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info().Str("version", Version).Str("honeypot_id", s.cfg.HoneypotID).
		Bool("offline", s.cfg.OfflineMode).Msg("honeypot starting")

	active := 0
	for _, m := range s.modules {
		st := ModuleStatus{Name: m.Name(), Port: m.Port(), Status: "active"}
		if err := m.Listen(); err != nil {
			// One broken listener never takes the others down.
			st.Status = "error"
			st.Error = err.Error()
			s.log.Error().Err(err).Str("module", m.Name()).Int("port", m.Port()).
				Msg("module failed to start")
		} else {
			active++
			s.log.Info().Str("module", m.Name()).Int("port", m.Port()).Msg("module listening")
			mod := m
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				mod.Serve(ctx)
			}()
		}
		s.statusMu.Lock()
		s.status = append(s.status, st)
		s.statusMu.Unlock()
	}

	if len(s.modules) > 0 && active == 0 {
		return fmt.Errorf("no enabled listener could start")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeat.Run(ctx)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reporter.RunReplay(ctx)
	}()

	<-ctx.Done()
	s.log.Info().Msg("shutting down")
	s.cache.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("all modules drained")
	case <-time.After(shutdownGrace):
		s.log.Warn().Dur("grace", shutdownGrace).Msg("module drain timed out")
	}

	if s.arch != nil {
		_ = s.arch.Close()
	}
	return nil
}

// HandleObservation is the emit sink handed to every listener: classify,
// throttle, then report or spool. Exported for the end-to-end tests.
func (s *Supervisor) HandleObservation(obs event.Observation) {
	s.suspectLog.Info().
		Str("ip", obs.SourceIP).
		Str("protocol", obs.Protocol).
		Str("kind", obs.Kind).
		Strs("evidence", obs.Evidence).
		Msg(obs.Description)

	rec := classify.Classify(obs)
	rec.ID = uuid.NewString()

	decision := s.cache.Admit(rec.SourceIP, rec.Type)
	if !decision.Admit {
		s.attackLog.Info().
			Str("ip", rec.SourceIP).
			Str("type", rec.Type).
			Str("suppressed", decision.Reason).
			Msg(rec.Description)
		if s.cfg.StoreThrottledAttacks {
			if err := s.reporter.Suppressed(rec); err != nil {
				s.log.Error().Err(err).Msg("failed to spool suppressed record")
			}
		}
		s.archiveRecord(rec, archive.DispositionSuppressed)
		return
	}

	s.attackLog.Info().
		Str("ip", rec.SourceIP).
		Str("type", rec.Type).
		Str("category", rec.Category).
		Int("severity", rec.Severity).
		Msg(rec.Description)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		disposition := archive.DispositionReported
		if err := s.reporter.Send(context.Background(), rec); err != nil {
			disposition = archive.DispositionSpooled
		} else if s.cfg.OfflineMode {
			disposition = archive.DispositionSpooled
		}
		s.archiveRecord(rec, disposition)
	}()
}

func (s *Supervisor) archiveRecord(rec event.Record, disposition string) {
	if s.arch == nil {
		return
	}
	if err := s.arch.Insert(rec, disposition); err != nil {
		s.log.Debug().Err(err).Msg("archive insert failed")
	}
}

// moduleStatuses returns a copy of the module table.
func (s *Supervisor) moduleStatuses() []ModuleStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	out := make([]ModuleStatus, len(s.status))
	copy(out, s.status)
	return out
}
