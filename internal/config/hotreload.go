package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/telemt/meproxy/internal/log"
)

var logger = log.New("pkg", "config")

// DefaultReloadInterval is the poll fallback when neither SIGHUP nor an
// fsnotify event arrives.
const DefaultReloadInterval = 60 * time.Second

// View holds the active config snapshot behind an atomic pointer so every
// accept-loop or per-connection path can read a consistent copy without
// locking (§4.K).
type View struct {
	ptr atomic.Value // *ProxyConfig
}

// NewView wraps an initial config as the first snapshot.
func NewView(initial *ProxyConfig) *View {
	v := &View{}
	v.ptr.Store(initial)
	return v
}

// Load returns the currently active snapshot.
func (v *View) Load() *ProxyConfig { return v.ptr.Load().(*ProxyConfig) }

func (v *View) store(cfg *ProxyConfig) { v.ptr.Store(cfg) }

// hotFields is the subset of ProxyConfig that can change without
// restarting listeners, per original_source/src/config/hot_reload.rs.
type hotFields struct {
	logLevel               string
	adTag                  string
	poolSize               int
	keepaliveEnabled       bool
	keepaliveIntervalSecs  uint64
	keepaliveJitterSecs    uint64
	keepalivePayloadRandom bool
	users                  map[string]string
}

func hotFieldsOf(cfg *ProxyConfig) hotFields {
	return hotFields{
		logLevel:               cfg.General.LogLevel,
		adTag:                  cfg.General.AdTag,
		poolSize:               cfg.General.MiddleProxyPoolSize,
		keepaliveEnabled:       cfg.General.KeepaliveEnabled,
		keepaliveIntervalSecs:  cfg.General.KeepaliveIntervalSecs,
		keepaliveJitterSecs:    cfg.General.KeepaliveJitterSecs,
		keepalivePayloadRandom: cfg.General.KeepalivePayloadRandom,
		users:                  cfg.Access.Users,
	}
}

func (a hotFields) equal(b hotFields) bool {
	if a.logLevel != b.logLevel || a.adTag != b.adTag || a.poolSize != b.poolSize ||
		a.keepaliveEnabled != b.keepaliveEnabled ||
		a.keepaliveIntervalSecs != b.keepaliveIntervalSecs ||
		a.keepaliveJitterSecs != b.keepaliveJitterSecs ||
		a.keepalivePayloadRandom != b.keepalivePayloadRandom {
		return false
	}
	if len(a.users) != len(b.users) {
		return false
	}
	for u, s := range a.users {
		if b.users[u] != s {
			return false
		}
	}
	return true
}

// Watcher reloads the config file on a timer, SIGHUP, or an fsnotify
// write event, diffs the hot fields, and swaps the active View.
type Watcher struct {
	Path     string
	View     *View
	Interval time.Duration
}

// NewWatcher builds a watcher for path, seeding View from an
// already-loaded initial config.
func NewWatcher(path string, initial *ProxyConfig, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	return &Watcher{Path: path, View: NewView(initial), Interval: interval}
}

// Run blocks, reloading on each trigger until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	sigCh := make(chan struct{}, 1)
	sigStop := notifySighup(sigCh)
	defer sigStop()

	watcher, err := fsnotify.NewWatcher()
	var fsEvents chan fsnotify.Event
	if err == nil {
		if werr := watcher.Add(w.Path); werr == nil {
			fsEvents = watcher.Events
		}
		defer watcher.Close()
	} else {
		logger.Warn("fsnotify unavailable, falling back to poll-only reload", "err", err)
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.reloadOnce("timer")
		case <-sigCh:
			logger.Info("SIGHUP received, reloading config", "path", w.Path)
			w.reloadOnce("sighup")
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reloadOnce("fsnotify")
			}
		}
	}
}

// notifySighup relays SIGHUP onto ch (non-blocking send) and returns a
// stop function that cancels the signal subscription.
func notifySighup(ch chan<- struct{}) func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sig:
				select {
				case ch <- struct{}{}:
				default:
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}

func (w *Watcher) reloadOnce(trigger string) {
	newCfg, err := Load(w.Path)
	if err != nil {
		logger.Error("config reload: failed to parse config", "path", w.Path, "trigger", trigger, "err", err)
		return
	}
	if err := newCfg.Validate(); err != nil {
		logger.Error("config reload: validation failed, keeping old config", "err", err)
		return
	}

	oldCfg := w.View.Load()
	oldHot := hotFieldsOf(oldCfg)
	newHot := hotFieldsOf(newCfg)

	if oldHot.equal(newHot) {
		// Nothing changed in hot fields — matches hot_reload.rs's "skip
		// silent tick" behavior: non-hot fields (port, censorship domain,
		// network bind, use_middle_proxy) are never applied without a
		// restart, so there is nothing to gain by swapping the snapshot.
		return
	}

	warnNonHotChanges(oldCfg, newCfg)
	logHotDiff(oldHot, newHot, newCfg)

	// Non-hot fields keep their old values in the new snapshot; only a
	// restart applies them.
	applied := *newCfg
	applied.Server = oldCfg.Server
	applied.Censorship = oldCfg.Censorship
	applied.Network = oldCfg.Network
	applied.General.UseMiddleProxy = oldCfg.General.UseMiddleProxy
	w.View.store(&applied)
}

// warnNonHotChanges logs a restart-required warning for each field that
// changed but cannot be swapped live (port, censorship domain, network
// bind, the middle-proxy toggle).
func warnNonHotChanges(old, new *ProxyConfig) {
	if old.Server.Port != new.Server.Port {
		logger.Warn("config reload: server.port changed, restart required", "old", old.Server.Port, "new", new.Server.Port)
	}
	if old.Censorship.TLSDomain != new.Censorship.TLSDomain {
		logger.Warn("config reload: censorship.tls_domain changed, restart required", "old", old.Censorship.TLSDomain, "new", new.Censorship.TLSDomain)
	}
	if old.Network.IPv4 != new.Network.IPv4 || old.Network.IPv6 != new.Network.IPv6 {
		logger.Warn("config reload: network.ipv4/ipv6 changed, restart required")
	}
	if old.General.UseMiddleProxy != new.General.UseMiddleProxy {
		logger.Warn("config reload: use_middle_proxy changed, restart required")
	}
}

func logHotDiff(old, new hotFields, newCfg *ProxyConfig) {
	if old.logLevel != new.logLevel {
		logger.Info("config reload: log_level changed", "old", old.logLevel, "new", new.logLevel)
		log.SetLevel(log.LevelFromString(new.logLevel))
	}
	if old.adTag != new.adTag {
		logger.Info("config reload: ad_tag changed", "old", old.adTag, "new", new.adTag)
	}
	if old.poolSize != new.poolSize {
		logger.Info("config reload: middle_proxy_pool_size changed", "old", old.poolSize, "new", new.poolSize)
	}
	if old.keepaliveEnabled != new.keepaliveEnabled ||
		old.keepaliveIntervalSecs != new.keepaliveIntervalSecs ||
		old.keepaliveJitterSecs != new.keepaliveJitterSecs ||
		old.keepalivePayloadRandom != new.keepalivePayloadRandom {
		logger.Info("config reload: me_keepalive changed",
			"enabled", new.keepaliveEnabled,
			"interval_s", new.keepaliveIntervalSecs,
			"jitter_s", new.keepaliveJitterSecs,
			"random_payload", new.keepalivePayloadRandom)
	}

	if usersEqual(old.users, new.users) {
		return
	}
	var added, removed, changed []string
	for u := range new.users {
		if _, ok := old.users[u]; !ok {
			added = append(added, u)
		}
	}
	for u := range old.users {
		if _, ok := new.users[u]; !ok {
			removed = append(removed, u)
		}
	}
	for u, s := range new.users {
		if oldSecret, ok := old.users[u]; ok && oldSecret != s {
			changed = append(changed, u)
		}
	}
	if len(added) > 0 {
		logger.Info("config reload: users added", "users", strings.Join(added, ", "))
		for _, user := range added {
			logLinksForUser(newCfg, user, new.users[user])
		}
	}
	if len(removed) > 0 {
		logger.Info("config reload: users removed", "users", strings.Join(removed, ", "))
	}
	if len(changed) > 0 {
		logger.Info("config reload: users secret changed", "users", strings.Join(changed, ", "))
	}
}

func usersEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func logLinksForUser(cfg *ProxyConfig, user, secret string) {
	for _, line := range FormatLinks(cfg, user, secret) {
		logger.Info(fmt.Sprintf("  %s", line))
	}
}
