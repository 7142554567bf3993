//go:build !windows

package config

import (
	"os"
	"os/signal"
	"syscall"
)

// registerSignalHandler reloads the config file on every SIGHUP until Stop.
func (r *Reloader) registerSignalHandler() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				r.logger.Info("SIGHUP received", "path", r.path)
				r.Reload() //nolint:errcheck // logged inside Reload
			case <-r.stopCh:
				return
			}
		}
	}()

	r.logger.Debug("SIGHUP reload enabled", "path", r.path)
}
