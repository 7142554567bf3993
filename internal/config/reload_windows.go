//go:build windows

package config

// registerSignalHandler does nothing on Windows; there is no SIGHUP, so the
// file watcher is the only reload trigger.
func (r *Reloader) registerSignalHandler() {
	r.logger.Debug("SIGHUP reload unavailable on this platform", "path", r.path)
}
