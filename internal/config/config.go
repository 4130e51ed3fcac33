// Package config resolves honeypot configuration from environment
// variables with documented defaults, optionally layered over a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full honeypot configuration.
type Config struct {
	// Identity and backend API
	HoneypotID  string `yaml:"honeypot_id" validate:"required"`
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint" validate:"required,url"`

	// Heartbeat timing
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HeartbeatRetryCount int           `yaml:"heartbeat_retry_count" validate:"min=0"`
	HeartbeatRetryDelay time.Duration `yaml:"heartbeat_retry_delay"`

	// Listener ports
	HTTPPort           int `yaml:"http_port" validate:"min=1,max=65535"`
	HTTPSPort          int `yaml:"https_port" validate:"min=1,max=65535"`
	SSHPort            int `yaml:"ssh_port" validate:"min=1,max=65535"`
	FTPPort            int `yaml:"ftp_port" validate:"min=1,max=65535"`
	SMTPPort           int `yaml:"smtp_port" validate:"min=1,max=65535"`
	SMTPSubmissionPort int `yaml:"smtp_submission_port" validate:"min=1,max=65535"`
	POP3Port           int `yaml:"pop3_port" validate:"min=1,max=65535"`
	IMAPPort           int `yaml:"imap_port" validate:"min=1,max=65535"`
	MySQLPort          int `yaml:"mysql_port" validate:"min=1,max=65535"`

	// Module enablement
	EnableHTTP  bool `yaml:"enable_http"`
	EnableHTTPS bool `yaml:"enable_https"`
	EnableSSH   bool `yaml:"enable_ssh"`
	EnableFTP   bool `yaml:"enable_ftp"`
	EnableMail  bool `yaml:"enable_mail"`
	EnableMySQL bool `yaml:"enable_mysql"`

	// Reporting behavior
	OfflineMode           bool          `yaml:"offline_mode"`
	MaxReportsPerIP       int           `yaml:"max_reports_per_ip" validate:"min=1"`
	IPCacheTTL            time.Duration `yaml:"ip_cache_ttl"`
	StoreThrottledAttacks bool          `yaml:"store_throttled_attacks"`
	ReportUniqueTypesOnly bool          `yaml:"report_unique_types_only"`

	// Detection tuning
	ScanDuration time.Duration `yaml:"scan_duration"`

	// Spool
	SpoolClearOnStart bool `yaml:"spool_clear_on_start"`

	// Attack archive
	ArchiveEnabled bool `yaml:"archive_enabled"`

	// Diagnostics
	DebugMode bool `yaml:"debug_mode"`

	// Paths
	LogDir      string `yaml:"log_dir"`
	KeysDir     string `yaml:"keys_dir"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

// DefaultConfig returns a config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		HoneypotID:          "test",
		APIEndpoint:         "http://localhost:3000/api",
		HeartbeatInterval:   60 * time.Second,
		HeartbeatRetryCount: 3,
		HeartbeatRetryDelay: 5 * time.Second,
		HTTPPort:            8080,
		HTTPSPort:           8443,
		SSHPort:             2222,
		FTPPort:             21,
		SMTPPort:            25,
		SMTPSubmissionPort:  587,
		POP3Port:            110,
		IMAPPort:            143,
		MySQLPort:           3306,
		EnableHTTP:          true,
		EnableHTTPS:         false,
		EnableSSH:           true,
		EnableFTP:           false,
		EnableMail:          false,
		EnableMySQL:         false,
		OfflineMode:         false,
		MaxReportsPerIP:     5,
		IPCacheTTL:          time.Hour,
		ScanDuration:        500 * time.Millisecond,
		SpoolClearOnStart:   true,
		ArchiveEnabled:      true,
		DebugMode:           false,
		LogDir:              "logs",
		KeysDir:             "keys",
	}
}

// Load resolves configuration. A YAML file at path is applied over the
// defaults when path is non-empty; environment variables override both.
// A .env file in the working directory is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.TLSCertFile == "" {
		cfg.TLSCertFile = filepath.Join(cfg.KeysDir, "https_cert.pem")
	}
	if cfg.TLSKeyFile == "" {
		cfg.TLSKeyFile = filepath.Join(cfg.KeysDir, "https_key.pem")
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if cfg.HeartbeatInterval < 5*time.Second {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.IPCacheTTL < time.Minute {
		cfg.IPCacheTTL = time.Minute
	}

	return &cfg, nil
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config) {
	envString(&cfg.HoneypotID, "HONEYPOT_ID")
	envString(&cfg.APIKey, "API_KEY")
	envString(&cfg.APIEndpoint, "API_ENDPOINT")

	envMillis(&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL")
	envInt(&cfg.HeartbeatRetryCount, "HEARTBEAT_RETRY_COUNT")
	envMillis(&cfg.HeartbeatRetryDelay, "HEARTBEAT_RETRY_DELAY")

	envInt(&cfg.HTTPPort, "HTTP_PORT")
	envInt(&cfg.HTTPSPort, "HTTPS_PORT")
	envInt(&cfg.SSHPort, "SSH_PORT")
	envInt(&cfg.FTPPort, "FTP_PORT")
	envInt(&cfg.SMTPPort, "SMTP_PORT")
	envInt(&cfg.SMTPSubmissionPort, "SMTP_SUBMISSION_PORT")
	envInt(&cfg.POP3Port, "POP3_PORT")
	envInt(&cfg.IMAPPort, "IMAP_PORT")
	envInt(&cfg.MySQLPort, "MYSQL_PORT")

	envBool(&cfg.EnableHTTP, "ENABLE_HTTP")
	envBool(&cfg.EnableHTTPS, "ENABLE_HTTPS")
	envBool(&cfg.EnableSSH, "ENABLE_SSH")
	envBool(&cfg.EnableFTP, "ENABLE_FTP")
	envBool(&cfg.EnableMail, "ENABLE_MAIL")
	envBool(&cfg.EnableMySQL, "ENABLE_MYSQL")

	envBool(&cfg.OfflineMode, "OFFLINE_MODE")
	envInt(&cfg.MaxReportsPerIP, "MAX_REPORTS_PER_IP")
	envMillis(&cfg.IPCacheTTL, "IP_CACHE_TTL")
	envBool(&cfg.StoreThrottledAttacks, "STORE_THROTTLED_ATTACKS")
	envBool(&cfg.ReportUniqueTypesOnly, "REPORT_UNIQUE_TYPES_ONLY")

	envMillis(&cfg.ScanDuration, "SCAN_DURATION_MS")
	envBool(&cfg.SpoolClearOnStart, "SPOOL_CLEAR_ON_START")
	envBool(&cfg.ArchiveEnabled, "ARCHIVE_ENABLED")
	envBool(&cfg.DebugMode, "DEBUG_MODE")

	envString(&cfg.LogDir, "LOG_DIR")
	envString(&cfg.KeysDir, "KEYS_DIR")
	envString(&cfg.TLSCertFile, "TLS_CERT_FILE")
	envString(&cfg.TLSKeyFile, "TLS_KEY_FILE")
}

// SpoolPath returns the offline spool file path.
func (c *Config) SpoolPath() string {
	return filepath.Join(c.LogDir, "offline_attacks.json")
}

// ArchivePath returns the SQLite attack archive path.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.LogDir, "attacks.db")
}

// HostKeyPath returns the persistent SSH host key path.
func (c *Config) HostKeyPath() string {
	return filepath.Join(c.KeysDir, "ssh_host_key")
}

func envString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// envMillis parses an integer millisecond value into a duration.
func envMillis(dst *time.Duration, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func envBool(dst *bool, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = !isFalsy(v)
	}
}

func isFalsy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "false" || v == "0" || v == "no" || v == ""
}
