package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/syncerr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var warnHostKeyOnce sync.Once

// dialSSH opens an authenticated SSH client for the SFTP and SCP transports.
func dialSSH(ctx context.Context, cfg *config.Config) (*ssh.Client, error) {
	connectErr := func(err error) error {
		return &syncerr.ConnectError{Protocol: cfg.Protocol.Upper(), Addr: cfg.Addr(), Err: err}
	}

	auth, err := sshAuth(cfg)
	if err != nil {
		return nil, connectErr(err)
	}

	hostKey, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, connectErr(err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, connectErr(err)
	}

	// the handshake is bounded by the connect timeout and by ctx
	if cfg.ConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(conn, cfg.Addr(), clientCfg)
	if err != nil {
		conn.Close()
		return nil, connectErr(err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

func sshAuth(cfg *config.Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.PrivateKey != "" {
		pem, err := os.ReadFile(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}

		var signer ssh.Signer
		if cfg.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(cfg.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		password := cfg.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, &syncerr.ConfigError{Field: "password", Reason: "password or private_key required"}
	}
	return methods, nil
}

func hostKeyCallback(cfg *config.Config) (ssh.HostKeyCallback, error) {
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("known hosts: %w", err)
		}
		return cb, nil
	}

	warnHostKeyOnce.Do(func() {
		slog.Warn("host key verification disabled, set known_hosts to enable it", "host", cfg.Host)
	})
	return ssh.InsecureIgnoreHostKey(), nil
}

// sshAlive sends a keepalive request; any reply, even a refusal, means the link is up.
func sshAlive(c *ssh.Client) bool {
	if c == nil {
		return false
	}
	_, _, err := c.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
