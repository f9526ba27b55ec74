//go:build windows

package main

import "os"

// no SIGHUP; restart the process to pick up a new configuration
func reloadSignals() []os.Signal {
	return nil
}
