package pgslot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Synchronizer worker timing.
const (
	// MinSyncNap is the naptime while the primary is active.
	MinSyncNap = 200 * time.Millisecond

	// MaxSyncNap is the naptime ceiling while the primary is quiet.
	MaxSyncNap = 30 * time.Second

	// SlotSyncRestartInterval rate-limits worker restarts.
	SlotSyncRestartInterval = 10 * time.Second

	// promotionPollInterval is the poll interval while waiting for an
	// in-flight synchronization to finish during promotion.
	promotionPollInterval = 10 * time.Millisecond
)

// errRestartRequested is returned by the worker loop when a configuration
// change requires a fresh start with a new connection.
var errRestartRequested = errors.New("slot sync worker restart requested")

// SyncContext is the shared state of the slot synchronizer. There is one per
// node; the worker, the synchronous entry point, and the promotion path all
// coordinate through it.
type SyncContext struct {
	mu            sync.Mutex
	pid           int32
	stopSignaled  bool
	syncing       bool
	lastStartTime time.Time
}

// NewSyncContext returns an empty sync context.
func NewSyncContext() *SyncContext {
	return &SyncContext{}
}

// PID returns the live worker identity, or zero.
func (c *SyncContext) PID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// Syncing returns true while a synchronization pass is in flight.
func (c *SyncContext) Syncing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncing
}

// StopSignaled returns true once promotion has begun.
func (c *SyncContext) StopSignaled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopSignaled
}

// SignalStop marks the start of promotion. One-way; synchronization can
// never resume on this node.
func (c *SyncContext) SignalStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopSignaled = true
}

// LastStartTime returns the last worker launch time.
func (c *SyncContext) LastStartTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStartTime
}

// ClearLastStartTime makes the supervisor restart the worker immediately.
func (c *SyncContext) ClearLastStartTime() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastStartTime = time.Time{}
}

// advertise registers the worker identity. Fails once promotion has begun.
func (c *SyncContext) advertise(pid int32, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopSignaled {
		return fmt.Errorf("%w: promotion in progress", ErrNotInRecovery)
	}
	if c.pid != 0 {
		return fmt.Errorf("%w: worker pid %d already active", ErrSyncInProgress, c.pid)
	}
	c.pid = pid
	c.lastStartTime = now
	return nil
}

func (c *SyncContext) retire(pid int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pid == pid {
		c.pid = 0
	}
	c.syncing = false
}

// beginSync claims the syncing flag for a synchronous invocation.
func (c *SyncContext) beginSync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopSignaled {
		return fmt.Errorf("%w: promotion in progress", ErrNotInRecovery)
	}
	if c.syncing {
		return ErrSyncInProgress
	}
	c.syncing = true
	c.pid = 0
	return nil
}

func (c *SyncContext) endSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncing = false
}

func (c *SyncContext) setSyncing(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncing = v
}

// Worker is the long-running slot synchronizer. It repeatedly fetches the
// primary's failover slots and applies them locally, napping adaptively:
// quickly after a pass that changed something, backing off exponentially
// while the primary is quiet.
type Worker struct {
	syncer *Syncer
	sctx   *SyncContext

	ctx    context.Context
	cancel func()
	g      errgroup.Group
	done   chan struct{}

	reloadCh chan SyncConfig
}

// NewWorker returns a worker driving syncer under the shared sync context.
func NewWorker(syncer *Syncer, sctx *SyncContext) *Worker {
	w := &Worker{
		syncer:   syncer,
		sctx:     sctx,
		done:     make(chan struct{}),
		reloadCh: make(chan SyncConfig, 1),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w
}

// Start launches the worker goroutine. The worker refuses to start once
// promotion has begun.
func (w *Worker) Start() error {
	if !w.syncer.reg.WAL.InRecovery() {
		return ErrNotInRecovery
	}
	if err := w.syncer.cfg.Validate(w.syncer.reg.WAL.Level()); err != nil {
		return err
	}
	if err := w.sctx.advertise(w.syncer.owner, w.syncer.reg.Now()); err != nil {
		return err
	}

	w.g.Go(func() error {
		defer close(w.done)
		err := w.run(w.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("slot sync worker exited: %s", err)
		}
		return err
	})
	return nil
}

// Done returns a channel that is closed once the worker goroutine exits.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Stop signals the worker and waits for it to exit.
func (w *Worker) Stop() error {
	w.cancel()
	err := w.g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, errRestartRequested) {
		return nil
	}
	return err
}

// Reload hands a new configuration to the worker. The worker exits when
// synchronization is disabled, and restarts when connection-related settings
// change.
func (w *Worker) Reload(cfg SyncConfig) {
	select {
	case w.reloadCh <- cfg:
	default:
		// A pending reload is replaced; only the latest config matters.
		select {
		case <-w.reloadCh:
		default:
		}
		w.reloadCh <- cfg
	}
}

func (w *Worker) run(ctx context.Context) error {
	// Whatever path exits the worker, the shared state must not leak a
	// stale pid or a stuck syncing flag, and shadow slots that never became
	// sync-ready must not outlive the worker.
	defer func() {
		w.syncer.reg.CleanupOwnedBy(w.syncer.owner)
		w.syncer.DropTemporarySyncedSlots()
		w.sctx.retire(w.syncer.owner)
	}()

	if err := w.syncer.client.Connect(ctx, w.syncer.cfg.PrimaryConnInfo); err != nil {
		return fmt.Errorf("connect to primary: %w", err)
	}
	defer func() {
		if err := w.syncer.client.Close(); err != nil {
			log.Printf("cannot close primary connection: %s", err)
		}
	}()

	if err := w.syncer.ValidateRemote(ctx); err != nil {
		return err
	}
	log.Printf("slot sync worker started")

	timer := time.NewTimer(MinSyncNap)
	defer timer.Stop()

	naptime := MinSyncNap
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.sctx.StopSignaled() {
			return nil
		}

		w.sctx.setSyncing(true)
		updated, err := w.syncer.SynchronizeSlots(ctx)
		w.sctx.setSyncing(false)
		if err != nil {
			return err
		}

		if updated {
			naptime = MinSyncNap
		} else if naptime *= 2; naptime > MaxSyncNap {
			naptime = MaxSyncNap
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(naptime)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg := <-w.reloadCh:
			if !cfg.SyncReplicationSlots {
				log.Printf("slot synchronization disabled, worker exiting")
				return nil
			}
			if cfg.PrimaryConnInfo != w.syncer.cfg.PrimaryConnInfo ||
				cfg.PrimarySlotName != w.syncer.cfg.PrimarySlotName ||
				cfg.HotStandbyFeedback != w.syncer.cfg.HotStandbyFeedback {
				// Connection-related settings changed; restart immediately
				// with a fresh connection.
				w.sctx.ClearLastStartTime()
				w.syncer.cfg = cfg
				return errRestartRequested
			}
			w.syncer.cfg = cfg
		case <-timer.C:
		}
	}
}

// ShutDownSlotSync is the promotion path. It stops any further
// synchronization, interrupts the worker, waits for an in-flight pass to
// drain, and stamps the synced slots' inactive time so they do not appear
// stale after promotion. worker may be nil if none was started.
func ShutDownSlotSync(sctx *SyncContext, reg *Registry, worker *Worker) {
	sctx.SignalStop()
	if worker != nil {
		worker.cancel()
	}

	for sctx.Syncing() || sctx.PID() != 0 {
		time.Sleep(promotionPollInterval)
	}

	now := reg.Now()
	for _, s := range reg.Slots() {
		s.mu.Lock()
		if s.data.Synced && s.activePID == 0 {
			s.inactiveSince = now
		}
		s.mu.Unlock()
	}
}

// SyncNow performs a single synchronous synchronization run. It refuses to
// run on a primary, while another synchronization is in flight, or once
// promotion has begun. Shadow slots that did not become sync-ready are
// dropped before returning; there is no worker to finish them.
func (sy *Syncer) SyncNow(ctx context.Context) error {
	return sy.SyncNowWith(ctx, NewSyncContext())
}

// SyncNowWith is SyncNow under an externally shared sync context.
func (sy *Syncer) SyncNowWith(ctx context.Context, sctx *SyncContext) (err error) {
	if !sy.reg.WAL.InRecovery() {
		return ErrNotInRecovery
	}
	if err := sy.cfg.Validate(sy.reg.WAL.Level()); err != nil {
		return err
	}
	if err := sctx.beginSync(); err != nil {
		return err
	}

	// Scoped cleanup: an error must not leak the syncing flag, a held
	// slot, or half-created temporary shadows.
	defer func() {
		sy.reg.CleanupOwnedBy(sy.owner)
		sy.DropTemporarySyncedSlots()
		sctx.endSync()
	}()

	if err := sy.client.Connect(ctx, sy.cfg.PrimaryConnInfo); err != nil {
		return fmt.Errorf("connect to primary: %w", err)
	}
	defer func() {
		if cerr := sy.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := sy.ValidateRemote(ctx); err != nil {
		return err
	}
	if _, err := sy.SynchronizeSlots(ctx); err != nil {
		return err
	}
	return nil
}
