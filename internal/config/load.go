package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/openmined/dirsync/internal/utils"
	"github.com/spf13/viper"
)

const envPrefix = "DIRSYNC"

// Config keys as used in config files and viper lookups.
const (
	KeyLocalDir             = "local_dir"
	KeyRemoteDir            = "remote_dir"
	KeyProtocol             = "protocol"
	KeyHost                 = "host"
	KeyPort                 = "port"
	KeyUsername             = "username"
	KeyPassword             = "password"
	KeyPrivateKey           = "private_key"
	KeyPrivateKeyPassphrase = "private_key_passphrase"
	KeyKnownHosts           = "known_hosts"
	KeyFTPTLS               = "ftp_tls"
	KeyConnectTimeoutMs     = "connect_timeout_ms"
	KeyRetryAttempts        = "retry_attempts"
	KeyRetryDelayMs         = "retry_delay_ms"
	KeyUseIgnoreFile        = "use_ignore_file"
	KeyIgnoreFile           = "ignore_file"
	KeyIgnore               = "ignore"
	KeyDesktopNotifications = "desktop_notifications"
	KeyWorkers              = "workers"
	KeyDrainTimeoutMs       = "drain_timeout_ms"
	KeyDebounceMs           = "debounce_ms"
	KeyWatcher              = "watcher"
)

// legacyEnv maps keys onto the bare environment names accepted for compatibility with
// existing .env files.
var legacyEnv = map[string]string{
	KeyLocalDir:         "LOCAL_DIR",
	KeyRemoteDir:        "REMOTE_DIR",
	KeyProtocol:         "CONNECTION_TYPE",
	KeyHost:             "HOST",
	KeyPort:             "PORT",
	KeyUsername:         "USER",
	KeyPassword:         "PASSWORD",
	KeyConnectTimeoutMs: "CONNECTION_TIMEOUT",
	KeyRetryAttempts:    "RETRY_ATTEMPTS",
	KeyRetryDelayMs:     "RETRY_DELAY",
	KeyUseIgnoreFile:    "USE_GITIGNORE",
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyProtocol, string(d.Protocol))
	v.SetDefault(KeyConnectTimeoutMs, d.ConnectTimeout.Milliseconds())
	v.SetDefault(KeyRetryAttempts, d.RetryAttempts)
	v.SetDefault(KeyRetryDelayMs, d.RetryDelay.Milliseconds())
	v.SetDefault(KeyIgnoreFile, d.IgnoreFile)
	v.SetDefault(KeyWorkers, d.Workers)
	v.SetDefault(KeyDrainTimeoutMs, d.DrainTimeout.Milliseconds())
	v.SetDefault(KeyDebounceMs, d.DebounceTimeout.Milliseconds())
	v.SetDefault(KeyWatcher, string(d.Watcher))
}

// BindEnv binds DIRSYNC_* variables and the legacy names onto v.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, envPrefix+"_"+strings.ToUpper(key), legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// LoadDotEnv loads a .env file into the process environment without overriding variables
// that are already set. A missing default file is not an error.
func LoadDotEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		slog.Debug("loaded env file", "path", path)
		return nil
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// ReadConfigFile points v at path, or at the default search locations when path is empty,
// and reads it. A missing default config file is fine; env and flags may carry everything.
func ReadConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(DefaultConfigDir)
		v.AddConfigPath(filepath.Join(home, ".config", "dirsync"))
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && (errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil
		}
		return fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
	}
	return nil
}

// FromViper builds a Config out of the resolved viper values. It does not validate.
func FromViper(v *viper.Viper) (*Config, error) {
	protocol, err := ParseProtocol(v.GetString(KeyProtocol))
	if err != nil {
		return nil, err
	}

	localDir := v.GetString(KeyLocalDir)
	if localDir != "" {
		if localDir, err = utils.ResolvePath(localDir); err != nil {
			return nil, fmt.Errorf("resolve local_dir: %w", err)
		}
	}

	privateKey := v.GetString(KeyPrivateKey)
	if privateKey != "" {
		if privateKey, err = utils.ResolvePath(privateKey); err != nil {
			return nil, fmt.Errorf("resolve private_key: %w", err)
		}
	}

	knownHosts := v.GetString(KeyKnownHosts)
	if knownHosts != "" {
		if knownHosts, err = utils.ResolvePath(knownHosts); err != nil {
			return nil, fmt.Errorf("resolve known_hosts: %w", err)
		}
	}

	cfg := &Config{
		LocalDir:             localDir,
		RemoteDir:            v.GetString(KeyRemoteDir),
		Protocol:             protocol,
		Host:                 v.GetString(KeyHost),
		Port:                 v.GetInt(KeyPort),
		Username:             v.GetString(KeyUsername),
		Password:             v.GetString(KeyPassword),
		PrivateKey:           privateKey,
		PrivateKeyPassphrase: v.GetString(KeyPrivateKeyPassphrase),
		KnownHosts:           knownHosts,
		FTPTLS:               v.GetBool(KeyFTPTLS),
		ConnectTimeout:       millis(v.GetInt64(KeyConnectTimeoutMs)),
		RetryAttempts:        v.GetInt(KeyRetryAttempts),
		RetryDelay:           millis(v.GetInt64(KeyRetryDelayMs)),
		UseIgnoreFile:        v.GetBool(KeyUseIgnoreFile),
		IgnoreFile:           v.GetString(KeyIgnoreFile),
		IgnorePatterns:       v.GetStringSlice(KeyIgnore),
		DesktopNotifications: v.GetBool(KeyDesktopNotifications),
		Workers:              v.GetInt(KeyWorkers),
		DrainTimeout:         millis(v.GetInt64(KeyDrainTimeoutMs)),
		DebounceTimeout:      millis(v.GetInt64(KeyDebounceMs)),
		Watcher:              WatcherBackend(v.GetString(KeyWatcher)),
		Path:                 v.ConfigFileUsed(),
	}
	if cfg.Port == 0 {
		cfg.Port = protocol.DefaultPort()
	}
	return cfg, nil
}

// Load resolves and validates a Config from v.
func Load(v *viper.Viper) (*Config, error) {
	cfg, err := FromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
