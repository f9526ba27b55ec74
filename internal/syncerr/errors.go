// Package syncerr defines the error taxonomy shared by the sync engine and its transports.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound reports that a remote delete target was already absent.
// It is not a failure: callers log it and treat the delete as done.
var ErrNotFound = errors.New("remote path does not exist")

// ConfigError represents missing or invalid connection settings.
type ConfigError struct {
	Field  string
	Reason string
}

func (err *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %q: %s", err.Field, err.Reason)
}

// ConfigErrors collects every problem found while validating a config.
type ConfigErrors []*ConfigError

func (errs ConfigErrors) Error() string {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap exposes the individual errors to errors.As.
func (errs ConfigErrors) Unwrap() []error {
	out := make([]error, 0, len(errs))
	for _, err := range errs {
		out = append(out, err)
	}
	return out
}

// ConnectError represents a failure to open or authenticate a transport session.
type ConnectError struct {
	Protocol string
	Addr     string
	Err      error
}

func (err *ConnectError) Error() string {
	return fmt.Sprintf("%s connect %s: %v", err.Protocol, err.Addr, err.Err)
}

func (err *ConnectError) Unwrap() error {
	return err.Err
}

// RemoteIOError represents a failed remote operation on an open session.
type RemoteIOError struct {
	Op   string
	Path string
	Err  error
}

func (err *RemoteIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", err.Op, err.Path, err.Err)
}

func (err *RemoteIOError) Unwrap() error {
	return err.Err
}

// WatcherError wraps an error raised by the filesystem watcher. The watch keeps running.
type WatcherError struct {
	Err error
}

func (err *WatcherError) Error() string {
	return fmt.Sprintf("watcher: %v", err.Err)
}

func (err *WatcherError) Unwrap() error {
	return err.Err
}

// RemoteIO wraps err as a RemoteIOError unless it is nil, ErrNotFound or already one.
func RemoteIO(op, path string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var rio *RemoteIOError
	if errors.As(err, &rio) {
		return err
	}
	return &RemoteIOError{Op: op, Path: path, Err: err}
}

// IsConnect reports whether err is a ConnectError.
func IsConnect(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}

// IsRemoteIO reports whether err is a RemoteIOError.
func IsRemoteIO(err error) bool {
	var rio *RemoteIOError
	return errors.As(err, &rio)
}

// IsConfig reports whether err is, or contains, a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
