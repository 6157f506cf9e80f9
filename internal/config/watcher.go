package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the new, validated config on every successful reload.
// It runs synchronously on the watcher goroutine, so keep it fast; snapshot
// compilation and publication belong in the callback, not blocking I/O.
type ReloadFunc func(newCfg *Config)

// Watcher watches the config file and invokes a callback with each new valid
// config. Detection combines fsnotify, which reacts sub-second on real
// filesystems, with periodic content-hash polling, which catches Kubernetes
// ConfigMap volume updates where kubelet swaps a "..data" symlink without
// emitting inotify events.
type Watcher struct {
	path         string
	dir          string // parent directory, watched for atomic renames and symlink swaps.
	onReload     ReloadFunc
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher creates a config file watcher. Watching begins when Start is
// called.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		onReload:     onReload,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// fileState tracks the content hash and "..data" symlink target used by the
// polling fallback.
type fileState struct {
	dataLink   string
	lastHash   string
	lastTarget string
}

// changed reports whether the watched file differs from the last snapshot.
// The symlink target is checked first because it is cheap and instantly
// reflects a Kubernetes volume swap; the content hash covers everything else.
func (fs *fileState) changed(path string) bool {
	if target := readlink(fs.dataLink); target != fs.lastTarget && target != "" {
		fs.lastTarget = target
		return true
	}
	return hashFile(path) != fs.lastHash
}

func (fs *fileState) snapshot(path string) {
	fs.lastHash = hashFile(path)
	fs.lastTarget = readlink(fs.dataLink)
}

// Start begins watching the config file. It blocks until the context is
// canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	_ = fw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path, "dir", w.dir)

	state := &fileState{dataLink: filepath.Join(w.dir, "..data")}
	state.snapshot(w.path)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors that save via rename replace the watched inode; re-add
			// the path so subsequent writes are still seen.
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				_ = fw.Add(w.path)
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			w.reload()
			state.snapshot(w.path)

		case <-poll.C:
			if state.changed(w.path) {
				state.snapshot(w.path)
				w.logger.Debug("config file change detected via polling", "path", w.path)
				w.reload()
			}

		case watchErr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", watchErr)
		}
	}
}

// reload loads and validates the file and publishes the result. A config
// that fails validation is dropped; the running config stays in effect.
func (w *Watcher) reload() {
	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping old config", "error", err)
		return
	}

	w.logger.Info("config reloaded", "path", w.path, "services", len(newCfg.Services))
	w.onReload(newCfg)
}

// Stop terminates the watcher goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// ---------------------------------------------------------------------------
// CertWatcher — dedicated watcher for TLS certificate files.
// ---------------------------------------------------------------------------

// CertCallback is called when the TLS certificate files change on disk.
type CertCallback func(certFile, keyFile string)

// CertWatcher monitors TLS certificate files and triggers a callback to
// reload them. It relies purely on polling: cert files usually live in a
// Kubernetes Secret volume where inotify misses the symlink swap.
type CertWatcher struct {
	certFile     string
	keyFile      string
	callback     CertCallback
	logger       *slog.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewCertWatcher creates a TLS certificate file watcher. Monitoring does
// not start until Start is called.
func NewCertWatcher(certFile, keyFile string, callback CertCallback, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		callback:     callback,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

// Start begins polling the certificate files. Blocks until the context is
// canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	ctx, cw.cancel = context.WithCancel(ctx)

	certDir := filepath.Dir(cw.certFile)
	dataLink := filepath.Join(certDir, "..data")

	cw.logger.Info("TLS cert watcher started", "cert", cw.certFile, "key", cw.keyFile)

	lastCertHash := hashFile(cw.certFile)
	lastKeyHash := hashFile(cw.keyFile)
	lastLinkTarget := readlink(dataLink)

	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("TLS cert watcher stopped")
			return nil
		case <-ticker.C:
			changed := false
			if target := readlink(dataLink); target != lastLinkTarget && target != "" {
				lastLinkTarget = target
				changed = true
			}
			if !changed {
				certHash := hashFile(cw.certFile)
				keyHash := hashFile(cw.keyFile)
				changed = certHash != lastCertHash || keyHash != lastKeyHash
			}
			if changed {
				lastCertHash = hashFile(cw.certFile)
				lastKeyHash = hashFile(cw.keyFile)
				cw.logger.Info("TLS certificate change detected", "cert", cw.certFile)
				cw.callback(cw.certFile, cw.keyFile)
			}
		}
	}
}

// Stop terminates the cert watcher goroutine.
func (cw *CertWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.stopped {
		return
	}
	cw.stopped = true
	if cw.cancel != nil {
		cw.cancel()
	}
}

// hashFile returns the SHA-256 digest of the file at path, or "" if the
// file cannot be read. The hash follows symlinks, so a Kubernetes volume
// swap changes it.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

// readlink returns the target of a symlink, or "" if the path is not a
// symlink or cannot be read.
func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
