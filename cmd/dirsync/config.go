package main

import (
	"fmt"

	"github.com/openmined/dirsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flag name -> config key
var configFlags = map[string]string{
	"local-dir":             config.KeyLocalDir,
	"remote-dir":            config.KeyRemoteDir,
	"protocol":              config.KeyProtocol,
	"host":                  config.KeyHost,
	"port":                  config.KeyPort,
	"user":                  config.KeyUsername,
	"private-key":           config.KeyPrivateKey,
	"known-hosts":           config.KeyKnownHosts,
	"ftp-tls":               config.KeyFTPTLS,
	"connect-timeout":       config.KeyConnectTimeoutMs,
	"retry-attempts":        config.KeyRetryAttempts,
	"retry-delay":           config.KeyRetryDelayMs,
	"use-gitignore":         config.KeyUseIgnoreFile,
	"ignore-file":           config.KeyIgnoreFile,
	"ignore":                config.KeyIgnore,
	"desktop-notifications": config.KeyDesktopNotifications,
	"workers":               config.KeyWorkers,
	"drain-timeout":         config.KeyDrainTimeoutMs,
	"debounce":              config.KeyDebounceMs,
	"watcher":               config.KeyWatcher,
}

// addConfigFlags registers the connection and sync options. Passwords are only read from
// the config file or the environment.
func addConfigFlags(fs *pflag.FlagSet) {
	d := config.Default()

	fs.StringP("local-dir", "l", "", "local directory to watch")
	fs.StringP("remote-dir", "r", "", "remote directory to mirror into")
	fs.StringP("protocol", "p", string(d.Protocol), "transfer protocol: ftp, sftp or scp")
	fs.StringP("host", "H", "", "remote host")
	fs.Int("port", 0, "remote port (default 21 for ftp, 22 otherwise)")
	fs.StringP("user", "u", "", "remote username")
	fs.String("private-key", "", "SSH private key file (sftp, scp)")
	fs.String("known-hosts", "", "SSH known_hosts file (sftp, scp)")
	fs.Bool("ftp-tls", false, "use explicit FTPS")
	fs.Int64("connect-timeout", d.ConnectTimeout.Milliseconds(), "connect timeout in milliseconds")
	fs.Int("retry-attempts", d.RetryAttempts, "attempts per operation")
	fs.Int64("retry-delay", d.RetryDelay.Milliseconds(), "delay before the first retry in milliseconds")
	fs.Bool("use-gitignore", false, "skip paths matched by the ignore file")
	fs.String("ignore-file", d.IgnoreFile, "ignore file, relative to the local directory")
	fs.StringSlice("ignore", nil, "extra ignore patterns, applied with --use-gitignore")
	fs.Bool("desktop-notifications", false, "show desktop notifications")
	fs.Int("workers", d.Workers, "concurrent transfer workers")
	fs.Int64("drain-timeout", d.DrainTimeout.Milliseconds(), "shutdown drain timeout in milliseconds")
	fs.Int64("debounce", d.DebounceTimeout.Milliseconds(), "filesystem event debounce in milliseconds")
	fs.String("watcher", string(d.Watcher), "filesystem watcher: notify or fsnotify")
}

// newViper resolves .env, config file, environment and flags, in increasing precedence.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	config.SetDefaults(v)
	if err := config.BindEnv(v); err != nil {
		return nil, err
	}

	configPath, _ := cmd.Flags().GetString("config")
	if err := config.ReadConfigFile(v, configPath); err != nil {
		return nil, err
	}

	for name, key := range configFlags {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return v, nil
}

// loadConfig returns the validated effective configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v, err := newViper(cmd)
	if err != nil {
		return nil, err
	}
	return config.Load(v)
}
