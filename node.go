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

// Node ties a registry to its cluster role. It continuously either holds the
// primary lease or watches the current primary, running the slot sync worker
// while the node is a replica. Promotion is one-way: once a node has held the
// lease, slot synchronization never resumes on it.
type Node struct {
	mu  sync.Mutex
	reg *Registry

	isPrimary   bool
	primaryInfo *PrimaryInfo

	sctx   *SyncContext
	worker *Worker

	promoteOnce sync.Once

	ctx    context.Context
	cancel func()
	g      errgroup.Group

	// Leaser manages the lease that controls primary election.
	Leaser Leaser

	// Client used to connect to the current primary for slot synchronization.
	Client PrimaryClient

	// SyncConfig configures the slot synchronizer on replicas.
	SyncConfig SyncConfig

	// PromoteFunc is invoked once when this node first becomes the primary,
	// after slot synchronization has been shut down.
	PromoteFunc func()
}

// NewNode returns a new instance of Node for reg.
func NewNode(reg *Registry) *Node {
	n := &Node{
		reg:  reg,
		sctx: NewSyncContext(),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n
}

// SyncContext returns the shared synchronizer state for this node.
func (n *Node) SyncContext() *SyncContext { return n.sctx }

// Open begins the background role monitor.
func (n *Node) Open() error {
	if n.Leaser == nil {
		log.Printf("WARNING: no leaser assigned, running as defacto primary (for testing only)")
		n.mu.Lock()
		n.isPrimary = true
		n.mu.Unlock()
		n.sctx.SignalStop()
		return nil
	}

	// Stamp a cluster ID on first boot so two clusters sharing a leaser
	// key are detectable.
	if cid, err := n.Leaser.ClusterID(n.ctx); err != nil {
		return fmt.Errorf("fetch cluster id: %w", err)
	} else if cid == "" {
		if err := n.Leaser.SetClusterID(n.ctx, GenerateClusterID()); err != nil {
			return fmt.Errorf("set cluster id: %w", err)
		}
	}

	n.g.Go(func() error { return n.monitor(n.ctx) })
	return nil
}

// Close signals for the node to shut down.
func (n *Node) Close() error {
	n.cancel()
	err := n.g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	n.stopWorker()
	return err
}

// IsPrimary returns true if the node currently holds the primary lease.
func (n *Node) IsPrimary() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isPrimary
}

// PrimaryInfo returns the current primary, or nil if this node is the
// primary or no primary is known.
func (n *Node) PrimaryInfo() *PrimaryInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.primaryInfo.Clone()
}

// Reload installs a new synchronizer configuration and forwards it to the
// running worker, if any.
func (n *Node) Reload(cfg SyncConfig) {
	n.mu.Lock()
	n.SyncConfig = cfg
	w := n.worker
	n.mu.Unlock()

	if w != nil {
		w.Reload(cfg)
	}
}

// Promote forces promotion without waiting for the lease monitor. Used when
// an operator promotes the node directly.
func (n *Node) Promote() {
	n.promote()
}

// monitor continuously either holds the primary lease or follows the
// current primary as a replica.
func (n *Node) monitor(ctx context.Context) error {
	for {
		// Exit if node is closed.
		if err := ctx.Err(); err != nil {
			return nil
		}

		// Attempt to either obtain a primary lock or read the current primary.
		lease, info, err := n.acquireLeaseOrPrimaryInfo(ctx)
		if err != nil {
			log.Printf("cannot acquire lease or find primary, retrying: %s", err)
			time.Sleep(1 * time.Second)
			continue
		}

		// Monitor as primary if we have obtained a lease.
		if lease != nil {
			log.Printf("primary lease acquired, advertising as %s", n.Leaser.Hostname())
			if err := n.monitorAsPrimary(ctx, lease); err != nil {
				log.Printf("primary lease lost, retrying: %s", err)
			}
			continue
		}

		// Monitor as replica if another primary already exists.
		log.Printf("existing primary found (%s), monitoring as replica", info.Hostname)
		if err := n.monitorAsReplica(ctx, info); err != nil {
			log.Printf("replica monitor failed, retrying: %s", err)
			time.Sleep(1 * time.Second)
		}
	}
}

func (n *Node) acquireLeaseOrPrimaryInfo(ctx context.Context) (Lease, *PrimaryInfo, error) {
	// Attempt to find an existing primary first.
	info, err := n.Leaser.PrimaryInfo(ctx)
	if err != nil && err != ErrNoPrimary {
		return nil, nil, fmt.Errorf("fetch primary info: %w", err)
	} else if err == nil {
		return nil, &info, nil
	}

	// If no primary, attempt to become primary.
	lease, err := n.Leaser.Acquire(ctx)
	if err != nil && err != ErrPrimaryExists {
		return nil, nil, fmt.Errorf("acquire lease: %w", err)
	} else if lease != nil {
		return lease, nil, nil
	}

	// If we raced to become primary and another node beat us, retry the fetch.
	info, err = n.Leaser.PrimaryInfo(ctx)
	if err != nil {
		return nil, nil, err
	}
	return nil, &info, nil
}

// monitorAsPrimary monitors & renews the current lease.
// NOTE: This code is borrowed from the consul/api's RenewPeriodic() implementation.
func (n *Node) monitorAsPrimary(ctx context.Context, lease Lease) error {
	const timeout = 1 * time.Second

	// Attempt to destroy lease when we exit this function.
	defer func() {
		log.Printf("exiting primary, destroying lease")
		if err := lease.Close(); err != nil {
			log.Printf("cannot remove lease: %s", err)
		}
	}()

	// Mark as the primary node while we're in this function.
	n.mu.Lock()
	n.isPrimary = true
	n.mu.Unlock()

	// Ensure that we are no longer marked as primary once we exit this function.
	defer func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.isPrimary = false
	}()

	n.promote()

	waitDur := lease.TTL() / 2

	for {
		select {
		case <-time.After(waitDur):
			// Attempt to renew the lease. If the lease is gone then we need to
			// just exit and we can start over or connect to the new primary.
			//
			// If we just have a connection error then we'll try to more
			// aggressively retry the renewal until we exceed TTL.
			if err := lease.Renew(ctx); err == ErrLeaseExpired {
				return err
			} else if err != nil {
				// If our next renewal will exceed TTL, exit now.
				if time.Since(lease.RenewedAt())+timeout > lease.TTL() {
					time.Sleep(timeout)
					return ErrLeaseExpired
				}

				// Otherwise log error and try again after a shorter period.
				log.Printf("lease renewal error, retrying: %s", err)
				waitDur = time.Second
				continue
			}

			// Renewal was successful, restart with low frequency.
			waitDur = lease.TTL() / 2

		case <-ctx.Done():
			return nil // release lease when we shut down
		}
	}
}

// promote shuts down slot synchronization and stamps the synced slots. A node
// that has been promoted never syncs again, even if it later loses the lease.
func (n *Node) promote() {
	n.promoteOnce.Do(func() {
		log.Printf("promoting: shutting down slot synchronization")
		ShutDownSlotSync(n.sctx, n.reg, n.currentWorker())
		n.mu.Lock()
		n.worker = nil
		n.mu.Unlock()

		if n.PromoteFunc != nil {
			n.PromoteFunc()
		}
	})
}

// monitorAsReplica watches the current primary and supervises the slot sync
// worker, restarting it with a rate limit when it exits.
func (n *Node) monitorAsReplica(ctx context.Context, info *PrimaryInfo) error {
	// Store the primary info while we're in this function.
	n.mu.Lock()
	n.primaryInfo = info.Clone()
	n.mu.Unlock()

	// Clear the primary info once we leave this function since we can no
	// longer reach it.
	defer func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.primaryInfo = nil
	}()

	defer n.stopWorker()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if n.syncEnabled() {
			if err := n.ensureWorker(info); err != nil && !errors.Is(err, ErrNotInRecovery) {
				log.Printf("cannot start slot sync worker, retrying: %s", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		cur, err := n.Leaser.PrimaryInfo(ctx)
		if err == ErrNoPrimary {
			return nil // primary gone, retry election
		} else if err != nil {
			return fmt.Errorf("fetch primary info: %w", err)
		}
		if cur.Hostname != info.Hostname || cur.ConnInfo != info.ConnInfo {
			log.Printf("primary moved to %s, reconnecting", cur.Hostname)
			return nil
		}
	}
}

func (n *Node) syncEnabled() bool {
	n.mu.Lock()
	enabled := n.SyncConfig.SyncReplicationSlots
	n.mu.Unlock()
	return enabled && n.Client != nil && !n.sctx.StopSignaled()
}

func (n *Node) ensureWorker(info *PrimaryInfo) error {
	n.mu.Lock()
	w := n.worker
	cfg := n.SyncConfig
	n.mu.Unlock()

	if w != nil {
		select {
		case <-w.Done():
		default:
			return nil // still running
		}
	}

	// Rate-limit restarts. A config change clears the start time so the
	// worker comes back immediately.
	if last := n.sctx.LastStartTime(); !last.IsZero() && time.Since(last) < SlotSyncRestartInterval {
		return nil
	}

	// The lease value advertises the primary's connection string; use it
	// unless one was configured explicitly.
	if cfg.PrimaryConnInfo == "" {
		cfg.PrimaryConnInfo = info.ConnInfo
	}

	w = NewWorker(NewSyncer(n.reg, n.Client, cfg), n.sctx)
	if err := w.Start(); err != nil {
		return err
	}

	n.mu.Lock()
	n.worker = w
	n.mu.Unlock()
	return nil
}

func (n *Node) currentWorker() *Worker {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.worker
}

func (n *Node) stopWorker() {
	n.mu.Lock()
	w := n.worker
	n.worker = nil
	n.mu.Unlock()

	if w == nil {
		return
	}
	if err := w.Stop(); err != nil {
		log.Printf("slot sync worker stopped with error: %s", err)
	}
}
