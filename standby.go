package pgslot

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// standbyConfirmInterval is how long a logical sender waits between checks of
// the standby slot list, so configuration changes become visible.
const standbyConfirmInterval = 1 * time.Second

// Gate delays logical senders on a primary until a configured set of
// physical standby slots has confirmed receipt of the WAL being sent. This
// keeps a failover from losing changes already delivered downstream.
type Gate struct {
	reg *Registry

	mu    sync.Mutex
	names []string

	// oldestFlushLSN caches the oldest confirmed position across the listed
	// slots. Monotone non-decreasing for a fixed list; reset when the list
	// changes.
	oldestFlushLSN LSN
}

// NewGate returns a gate over the registry with no standby slots configured.
func NewGate(reg *Registry) *Gate {
	return &Gate{reg: reg}
}

// ParseStandbySlotNames splits and validates a comma-separated slot list.
func ParseStandbySlotNames(list string) ([]string, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}

	var names []string
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if err := ValidateSlotName(name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// SetStandbyNames installs the list of physical slots that logical senders
// must wait for. The caught-up cache is reset since the new list may include
// a slot that is further behind.
func (g *Gate) SetStandbyNames(list string) error {
	names, err := ParseStandbySlotNames(list)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.names = names
	g.oldestFlushLSN = 0
	g.mu.Unlock()
	return nil
}

// Names returns the configured standby slot names.
func (g *Gate) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.names
}

// Validate checks the configured names against the registry: every listed
// slot must exist and be physical. Call after the registry has been opened.
func (g *Gate) Validate() error {
	for _, name := range g.Names() {
		s := g.reg.FindSlot(name)
		if s == nil {
			return fmt.Errorf("%w: standby slot %q does not exist", ErrPrecondition, name)
		}
		if s.Kind() != KindPhysical {
			return fmt.Errorf("%w: standby slot %q is not a physical slot", ErrPrecondition, name)
		}
	}
	return nil
}

// CaughtUp reports whether every configured standby slot has confirmed WAL
// up to waitFor. Failures are logged at most once per call, naming the
// first slot that is not usable or not caught up.
func (g *Gate) CaughtUp(waitFor LSN) bool {
	g.mu.Lock()
	names := g.names
	cached := g.oldestFlushLSN
	g.mu.Unlock()

	if len(names) == 0 {
		return true
	}

	// Cascading standbys are not gated; the primary does the waiting.
	if g.reg.WAL.InRecovery() {
		return true
	}

	if cached != 0 && cached >= waitFor {
		return true
	}

	var minRestart LSN
	for _, name := range names {
		s := g.reg.FindSlot(name)
		if s == nil {
			log.Printf("replication slot %q specified as standby slot does not exist", name)
			return false
		}

		s.mu.Lock()
		kind := s.data.Kind
		invalidated := s.data.Invalidated
		restartLSN := s.data.RestartLSN
		activePID := s.activePID
		s.mu.Unlock()

		if kind == KindLogical {
			log.Printf("cannot specify logical replication slot %q as a standby slot", name)
			return false
		}
		if invalidated != NotInvalidated {
			log.Printf("standby slot %q has been invalidated (%s)", name, invalidated)
			return false
		}
		if restartLSN == 0 || restartLSN < waitFor {
			if activePID == 0 {
				log.Printf("standby slot %q is behind %s and has no active consumer", name, waitFor)
			}
			return false
		}

		minRestart = oldestLSN(minRestart, restartLSN)
	}

	g.mu.Lock()
	// The minimum across a fixed list never retreats: restart positions only
	// move forward.
	assert(minRestart >= g.oldestFlushLSN, "standby caught-up cache retreated")
	g.oldestFlushLSN = minRestart
	g.mu.Unlock()

	standbyCaughtUpLSNMetric.Set(float64(minRestart))
	return true
}

// WaitForConfirmation blocks a logical sender until every configured standby
// slot has confirmed waitFor. It is a no-op unless s is a logical failover
// slot and a standby list is configured. The wait wakes on physical slot
// advances and at least once per second so config reloads become visible.
func (g *Gate) WaitForConfirmation(ctx context.Context, s *Slot, waitFor LSN) error {
	s.mu.Lock()
	gated := s.data.Kind == KindLogical && s.data.Failover
	s.mu.Unlock()
	if !gated {
		return nil
	}

	timer := time.NewTimer(standbyConfirmInterval)
	defer timer.Stop()

	for {
		if len(g.Names()) == 0 {
			return nil
		}
		if g.CaughtUp(waitFor) {
			return nil
		}

		ch := g.reg.walConfirmCh()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(standbyConfirmInterval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		case <-timer.C:
		}
	}
}

var standbyCaughtUpLSNMetric = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "pgslot_standby_caught_up_lsn",
	Help: "Oldest confirmed position across the configured standby slots.",
})
