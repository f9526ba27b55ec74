package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/openmined/dirsync/internal/syncerr"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigDir  = filepath.Join(home, ".dirsync")
	DefaultLogFile    = filepath.Join(DefaultConfigDir, "logs", "dirsync.log")
	DefaultIgnoreFile = ".gitignore"
)

const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultRetryAttempts   = 3
	DefaultRetryDelay      = 5 * time.Second
	DefaultWorkers         = 4
	DefaultDrainTimeout    = 10 * time.Second
	DefaultDebounceTimeout = 50 * time.Millisecond
)

// Protocol is the wire protocol used to reach the remote root.
type Protocol string

const (
	ProtocolFTP  Protocol = "ftp"
	ProtocolSFTP Protocol = "sftp"
	ProtocolSCP  Protocol = "scp"
)

// ParseProtocol maps a configured name onto a Protocol. Matching is case-insensitive.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case ProtocolFTP, ProtocolSFTP, ProtocolSCP:
		return p, nil
	default:
		return "", &syncerr.ConfigError{Field: "protocol", Reason: fmt.Sprintf("unsupported %q (want ftp, sftp or scp)", s)}
	}
}

// Upper returns the protocol name as shown in notifications, e.g. "SFTP".
func (p Protocol) Upper() string {
	return strings.ToUpper(string(p))
}

// DefaultPort is the well-known port for the protocol.
func (p Protocol) DefaultPort() int {
	if p == ProtocolFTP {
		return 21
	}
	return 22
}

// WatcherBackend selects the filesystem notification library.
type WatcherBackend string

const (
	WatcherNotify   WatcherBackend = "notify"
	WatcherFsnotify WatcherBackend = "fsnotify"
)

// Config is the immutable configuration of one sync engine run.
// A reload builds a new Config and restarts the engine with it.
type Config struct {
	LocalDir  string   `json:"local_dir" yaml:"local_dir"`
	RemoteDir string   `json:"remote_dir" yaml:"remote_dir"`
	Protocol  Protocol `json:"protocol" yaml:"protocol"`
	Host      string   `json:"host" yaml:"host"`
	Port      int      `json:"port" yaml:"port"`
	Username  string   `json:"username" yaml:"username"`
	Password  string   `json:"-" yaml:"-"`

	// SSH variants only
	PrivateKey           string `json:"private_key,omitempty" yaml:"private_key,omitempty"`
	PrivateKeyPassphrase string `json:"-" yaml:"-"`
	KnownHosts           string `json:"known_hosts,omitempty" yaml:"known_hosts,omitempty"`

	// FTP only: upgrade the control connection with AUTH TLS
	FTPTLS bool `json:"ftp_tls,omitempty" yaml:"ftp_tls,omitempty"`

	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	RetryAttempts  int           `json:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay     time.Duration `json:"retry_delay" yaml:"retry_delay"`

	UseIgnoreFile  bool     `json:"use_ignore_file" yaml:"use_ignore_file"`
	IgnoreFile     string   `json:"ignore_file" yaml:"ignore_file"`
	IgnorePatterns []string `json:"ignore,omitempty" yaml:"ignore,omitempty"`

	DesktopNotifications bool `json:"desktop_notifications" yaml:"desktop_notifications"`

	Workers         int            `json:"workers" yaml:"workers"`
	DrainTimeout    time.Duration  `json:"drain_timeout" yaml:"drain_timeout"`
	DebounceTimeout time.Duration  `json:"debounce" yaml:"debounce"`
	Watcher         WatcherBackend `json:"watcher" yaml:"watcher"`

	Path string `json:"-" yaml:"-"`
}

// Default returns a config carrying every default value but no connection details.
func Default() *Config {
	return &Config{
		Protocol:        ProtocolFTP,
		ConnectTimeout:  DefaultConnectTimeout,
		RetryAttempts:   DefaultRetryAttempts,
		RetryDelay:      DefaultRetryDelay,
		IgnoreFile:      DefaultIgnoreFile,
		Workers:         DefaultWorkers,
		DrainTimeout:    DefaultDrainTimeout,
		DebounceTimeout: DefaultDebounceTimeout,
		Watcher:         WatcherNotify,
	}
}

// Addr is the host:port of the remote server.
func (c *Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = c.Protocol.DefaultPort()
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// IsSSH reports whether the configured protocol runs over SSH.
func (c *Config) IsSSH() bool {
	return c.Protocol == ProtocolSFTP || c.Protocol == ProtocolSCP
}

// Validate checks every required field and returns all problems at once as syncerr.ConfigErrors.
func (c *Config) Validate() error {
	var errs syncerr.ConfigErrors
	add := func(field, reason string) {
		errs = append(errs, &syncerr.ConfigError{Field: field, Reason: reason})
	}

	if strings.TrimSpace(c.LocalDir) == "" {
		add("local_dir", "required")
	} else if info, err := os.Stat(c.LocalDir); err != nil {
		add("local_dir", err.Error())
	} else if !info.IsDir() {
		add("local_dir", "not a directory")
	}

	if strings.TrimSpace(c.RemoteDir) == "" {
		add("remote_dir", "required")
	}

	if _, err := ParseProtocol(string(c.Protocol)); err != nil {
		add("protocol", fmt.Sprintf("unsupported %q (want ftp, sftp or scp)", c.Protocol))
	}

	if strings.TrimSpace(c.Host) == "" {
		add("host", "required")
	}
	if c.Port < 0 || c.Port > 65535 {
		add("port", fmt.Sprintf("out of range: %d", c.Port))
	}
	if strings.TrimSpace(c.Username) == "" {
		add("username", "required")
	}
	if c.IsSSH() && c.Password == "" && c.PrivateKey == "" {
		add("password", "password or private_key required for "+string(c.Protocol))
	}

	if c.ConnectTimeout <= 0 {
		add("connect_timeout", "must be positive")
	}
	if c.RetryAttempts < 1 {
		add("retry_attempts", "must be at least 1")
	}
	if c.RetryDelay < 0 {
		add("retry_delay", "must not be negative")
	}
	if c.Workers < 1 {
		add("workers", "must be at least 1")
	}

	switch c.Watcher {
	case WatcherNotify, WatcherFsnotify:
	default:
		add("watcher", fmt.Sprintf("unsupported %q (want notify or fsnotify)", c.Watcher))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
