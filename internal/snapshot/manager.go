// Package snapshot restores, periodically persists, and finalises a backend
// instance's state directory against a remote object store.
package snapshot

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mcpgate/mcpgate/errs"
	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/objstore"
)

// State names the lifecycle manager's current phase.
type State int32

const (
	// StateDisabled means snapshots were not requested; state is local-only.
	StateDisabled State = iota
	// StateRestoring runs once at startup before the backend launches.
	StateRestoring
	// StateIdle means the backend is running and no snapshot is in flight.
	StateIdle
	// StateSnapshotting means an archive/upload cycle is in progress.
	StateSnapshotting
	// StateDegraded is sticky: a snapshot step failed under non-strict mode
	// and the feature is off for the remainder of the instance's life.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateRestoring:
		return "restoring"
	case StateIdle:
		return "idle"
	case StateSnapshotting:
		return "snapshotting"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

const (
	latestKey    = "LATEST"
	snapshotsDir = "snapshots"

	storeMaxAttempts = 3
	retryInitial     = 200 * time.Millisecond
	retryMaxInterval = 2 * time.Second

	nameTimeLayout = "20060102T150405.000000000"
)

// Options configures one instance's snapshot lifecycle. Prefix must already
// be partition-resolved (see PartitionPrefix).
type Options struct {
	Enabled   bool
	Strict    bool
	Interval  time.Duration
	Retention int
	Prefix    string
	StateDir  string
	BaseName  string
	LockKey   string
}

// PartitionPrefix resolves the effective object-key prefix for an instance.
// Per-instance partitioning appends the instance name so concurrently
// routable instances never share a LATEST pointer or snapshot namespace.
func PartitionPrefix(prefix string, mode config.PartitionMode, instance string) string {
	if mode == config.PartitionPerInstance {
		return path.Join(prefix, instance)
	}
	return prefix
}

// Status is the health-endpoint view of the lifecycle manager.
type Status struct {
	State     string `json:"state"`
	Enabled   bool   `json:"enabled"`
	Strict    bool   `json:"strict"`
	Prefix    string `json:"prefix"`
	Interval  string `json:"interval"`
	Retention int    `json:"retention"`
}

// Manager owns one local state directory and serialises its own snapshot
// operations with a process-local lock.
type Manager struct {
	store  objstore.Store
	opts   Options
	logger *log.Logger
	lock   *sync.Mutex
	state  atomic.Int32

	snapshotCount   metric.Int64Counter
	restoreDuration metric.Float64Histogram
}

// NewManager wires a lifecycle manager for one instance. store may be nil
// when the object-store identity is incomplete; Restore then applies the
// strict/degrade policy. registry may be nil for standalone use.
func NewManager(store objstore.Store, opts Options, logger *log.Logger, registry *LockRegistry) *Manager {
	if registry == nil {
		registry = NewLockRegistry()
	}
	m := &Manager{
		store:  store,
		opts:   opts,
		logger: logger,
		lock:   registry.Get(opts.LockKey),
	}
	if opts.Enabled {
		m.state.Store(int32(StateIdle))
	} else {
		m.state.Store(int32(StateDisabled))
	}

	meter := otel.Meter("github.com/mcpgate/mcpgate/internal/snapshot")
	var err error
	m.snapshotCount, err = meter.Int64Counter("mcpgate.snapshots",
		metric.WithDescription("Snapshot attempts by outcome."))
	if err != nil {
		logger.Printf("snapshot counter init: %v", err)
	}
	m.restoreDuration, err = meter.Float64Histogram("mcpgate.restore.duration",
		metric.WithDescription("Restore duration in seconds."),
		metric.WithUnit("s"))
	if err != nil {
		logger.Printf("restore histogram init: %v", err)
	}
	return m
}

// State returns the manager's current phase.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Status summarises the manager for the health endpoint.
func (m *Manager) Status() Status {
	return Status{
		State:     m.State().String(),
		Enabled:   m.opts.Enabled,
		Strict:    m.opts.Strict,
		Prefix:    m.opts.Prefix,
		Interval:  m.opts.Interval.String(),
		Retention: m.opts.Retention,
	}
}

// Restore materialises the most recent snapshot into the state directory.
// It must complete before the backend process launches. A missing LATEST
// pointer is a cold start, not an error. Any failure is fatal under strict
// mode and a sticky degrade otherwise.
func (m *Manager) Restore(ctx context.Context) error {
	if !m.opts.Enabled {
		m.logger.Print("snapshots disabled; state directory is local-only")
		return nil
	}
	if m.store == nil {
		return m.startupFailure("restore",
			errs.New("snapshot", errs.CodeMisconfigured,
				errs.WithMessage("object store not configured"),
				errs.WithRemediation("set endpoint, bucket and credentials, or disable snapshots")))
	}

	m.setState(StateRestoring)
	started := time.Now()

	var latest []byte
	err := m.withRetry(ctx, "read LATEST", func() error {
		data, getErr := m.store.Get(ctx, m.key(latestKey))
		if getErr != nil {
			return getErr
		}
		latest = data
		return nil
	})
	if errs.IsNotFound(err) {
		m.logger.Printf("no LATEST pointer under %q; cold start", m.opts.Prefix)
		m.setState(StateIdle)
		return nil
	}
	if err != nil {
		return m.startupFailure("read LATEST", err)
	}

	name := strings.TrimSpace(string(latest))
	if name == "" {
		// An empty pointer means no prior snapshot, same as a missing one.
		m.logger.Print("empty LATEST pointer; cold start")
		m.setState(StateIdle)
		return nil
	}

	var archive []byte
	err = m.withRetry(ctx, "fetch snapshot "+name, func() error {
		data, getErr := m.store.Get(ctx, m.key(snapshotsDir, name))
		if getErr != nil {
			return getErr
		}
		archive = data
		return nil
	})
	if err != nil {
		return m.startupFailure("fetch snapshot "+name, err)
	}

	// Extract into a staging directory first: a partially extracted archive
	// must never leave the state directory torn.
	staging := stagingPath(m.opts.StateDir)
	if err := os.RemoveAll(staging); err != nil {
		return m.startupFailure("clear staging", err)
	}
	if err := unpackDir(archive, staging); err != nil {
		_ = os.RemoveAll(staging)
		return m.startupFailure("extract snapshot "+name, err)
	}
	if err := swapInto(staging, m.opts.StateDir); err != nil {
		_ = os.RemoveAll(staging)
		return m.startupFailure("materialise snapshot "+name, err)
	}

	if m.restoreDuration != nil {
		m.restoreDuration.Record(ctx, time.Since(started).Seconds())
	}
	m.logger.Printf("restored snapshot %s into %s", name, m.opts.StateDir)
	m.setState(StateIdle)
	return nil
}

// Snapshot archives the state directory, uploads it, advances LATEST, and
// prunes retention. A trigger arriving while another snapshot holds the lock
// is skipped, not queued.
func (m *Manager) Snapshot(ctx context.Context, reason string) error {
	switch m.State() {
	case StateDisabled, StateDegraded:
		return nil
	default:
	}

	if !m.lock.TryLock() {
		m.logger.Printf("snapshot already in flight; skipping %s trigger", reason)
		return nil
	}
	defer m.lock.Unlock()

	m.setState(StateSnapshotting)
	defer func() {
		if m.State() == StateSnapshotting {
			m.setState(StateIdle)
		}
	}()

	archive, err := packDir(m.opts.StateDir)
	if err != nil {
		return m.runtimeFailure(ctx, "archive state directory", err)
	}

	name := m.newName(time.Now().UTC())
	err = m.withRetry(ctx, "upload "+name, func() error {
		return m.store.Put(ctx, m.key(snapshotsDir, name), archive)
	})
	if err != nil {
		return m.runtimeFailure(ctx, "upload "+name, err)
	}

	// The pointer only ever references an object that finished uploading.
	err = m.withRetry(ctx, "advance LATEST", func() error {
		return m.store.Put(ctx, m.key(latestKey), []byte(name))
	})
	if err != nil {
		return m.runtimeFailure(ctx, "advance LATEST", err)
	}

	m.prune(ctx)

	if m.snapshotCount != nil {
		m.snapshotCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", "ok"),
			attribute.String("reason", reason),
		))
	}
	m.logger.Printf("snapshot %s uploaded (%d bytes, %s trigger)", name, len(archive), reason)
	return nil
}

// Run fires periodic snapshots until ctx is cancelled. Interval 0 disables
// the loop entirely.
func (m *Manager) Run(ctx context.Context) {
	if m.opts.Interval <= 0 {
		return
	}
	if m.State() == StateDisabled {
		return
	}

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Failures are logged and, under non-strict mode, latch Degraded;
			// the loop keeps draining ticks either way.
			_ = m.Snapshot(ctx, "periodic")
		}
	}
}

// prune removes snapshots beyond the retention count, newest kept first.
// Best-effort by design: a failed delete is logged and never escalates.
func (m *Manager) prune(ctx context.Context) {
	if m.opts.Retention <= 0 {
		return
	}
	keys, err := m.store.List(ctx, m.key(snapshotsDir)+"/")
	if err != nil {
		m.logger.Printf("retention sweep: list failed: %v", err)
		return
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if len(keys) <= m.opts.Retention {
		return
	}
	for _, key := range keys[m.opts.Retention:] {
		if err := m.store.Delete(ctx, key); err != nil {
			m.logger.Printf("retention sweep: delete %s failed: %v", key, err)
		}
	}
}

func (m *Manager) newName(now time.Time) string {
	short := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%s-home-%sZ-%s.tar.gz", m.opts.BaseName, now.Format(nameTimeLayout), short)
}

func (m *Manager) key(parts ...string) string {
	all := append([]string{m.opts.Prefix}, parts...)
	return path.Join(all...)
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// startupFailure applies the restore-time degrade policy: fatal under strict
// mode, sticky degrade otherwise.
func (m *Manager) startupFailure(step string, err error) error {
	if m.opts.Strict {
		return errs.New("snapshot", errs.CodeSnapshot,
			errs.WithMessage(step+" failed in strict mode"),
			errs.WithCause(err))
	}
	m.logger.Printf("%s failed; continuing with local state only: %v", step, err)
	m.setState(StateDegraded)
	return nil
}

// runtimeFailure handles a failed snapshot attempt after startup. Strict mode
// gates startup, not steady state: the attempt is abandoned but the manager
// stays live; non-strict mode latches Degraded.
func (m *Manager) runtimeFailure(ctx context.Context, step string, err error) error {
	if m.snapshotCount != nil {
		m.snapshotCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
	}
	if !m.opts.Strict {
		m.logger.Printf("%s failed; snapshots degraded for the remainder of this instance: %v", step, err)
		m.setState(StateDegraded)
	} else {
		m.logger.Printf("%s failed; attempt abandoned: %v", step, err)
	}
	return errs.New("snapshot", errs.CodeSnapshot, errs.WithMessage(step), errs.WithCause(err))
}

// withRetry runs fn with exponential backoff for transient store failures.
// not_found is terminal, never transient.
func (m *Manager) withRetry(ctx context.Context, op string, fn func() error) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = retryInitial
	backoffCfg.MaxInterval = retryMaxInterval

	var err error
	for attempt := 0; attempt < storeMaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errs.IsNotFound(err) {
			return err
		}
		if attempt == storeMaxAttempts-1 {
			break
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(sleep):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
