// Package guard keeps a single live-trading instance per account. A fresh
// heartbeat or a fresh lock held by a live process blocks startup.
package guard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"execution-core/internal/events"
)

// Outcome is the startup decision.
type Outcome string

const (
	OutcomeAcquired  Outcome = "acquired"
	OutcomeReclaimed Outcome = "reclaimed"
	OutcomeBlocked   Outcome = "blocked"
)

// ErrBlocked is returned by callers that refuse to start on a blocked decision.
var ErrBlocked = errors.New("another live instance holds the guard")

// Decision explains an Acquire or Status evaluation.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason"`
}

// Allowed reports whether the process may trade live.
func (d Decision) Allowed() bool { return d.Outcome != OutcomeBlocked }

// Identity names this process.
type Identity struct {
	Host      string
	MachineID string
	PID       int
}

// LocalIdentity resolves hostname, an app-scoped machine id and the pid.
// A missing machine id leaves the field empty and hostname alone decides.
func LocalIdentity(appID string) Identity {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	mid, err := machineid.ProtectedID(appID)
	if err != nil {
		mid = ""
	}
	return Identity{Host: host, MachineID: mid, PID: os.Getpid()}
}

func (id Identity) sameHost(l *Lock) bool {
	if l.OwnerHost != id.Host {
		return false
	}
	return l.OwnerMachineID == "" || id.MachineID == "" || l.OwnerMachineID == id.MachineID
}

// Config holds staleness thresholds.
type Config struct {
	Mode            string
	HeartbeatMaxAge time.Duration
	LockMaxAge      time.Duration
}

// Status is the diagnostic view used by the CLI and the status API.
type Status struct {
	Decision      Decision      `json:"decision"`
	Heartbeat     *Heartbeat    `json:"heartbeat,omitempty"`
	HeartbeatAge  time.Duration `json:"heartbeat_age,omitempty"`
	Lock          *Lock         `json:"lock,omitempty"`
	LockAge       time.Duration `json:"lock_age,omitempty"`
	OwnedByUs     bool          `json:"owned_by_us"`
	Host          string        `json:"host"`
	PID           int           `json:"pid"`
	HeartbeatLoop int64         `json:"heartbeat_loop"`
}

// Guard evaluates and holds the instance lock.
type Guard struct {
	store  Store
	cfg    Config
	id     Identity
	bus    *events.Bus
	logger zerolog.Logger
	now    func() time.Time
	alive  func(pid int) bool

	mu    sync.Mutex
	owned bool
	loops int64
}

// New creates a guard. bus may be nil.
func New(store Store, cfg Config, id Identity, bus *events.Bus, logger zerolog.Logger) *Guard {
	if cfg.HeartbeatMaxAge <= 0 {
		cfg.HeartbeatMaxAge = 5 * time.Minute
	}
	if cfg.LockMaxAge <= 0 {
		cfg.LockMaxAge = 10 * time.Minute
	}
	return &Guard{
		store:  store,
		cfg:    cfg,
		id:     id,
		bus:    bus,
		logger: logger.With().Str("component", "instance_guard").Logger(),
		now:    time.Now,
		alive:  pidAlive,
	}
}

// pidAlive probes a local pid with signal 0; EPERM means it exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// evaluate decides without writing. Unreadable records count as absent.
func (g *Guard) evaluate(ctx context.Context) (Decision, *Heartbeat, *Lock) {
	now := g.now()

	hb, err := g.store.ReadHeartbeat(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("heartbeat unreadable, treating as absent")
		hb = nil
	}
	lock, err := g.store.ReadLock(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("lock unreadable, treating as absent")
		lock = nil
	}

	if hb != nil && hb.Status != StatusStopped {
		if age := now.Sub(hb.LastHeartbeat); age <= g.cfg.HeartbeatMaxAge {
			return Decision{OutcomeBlocked, fmt.Sprintf(
				"active heartbeat detected: host=%s pid=%d mode=%s loop_count=%d age=%s (threshold %s)",
				hb.Host, hb.PID, hb.Mode, hb.LoopCount, age.Round(time.Second), g.cfg.HeartbeatMaxAge)}, hb, lock
		}
	}

	if lock != nil {
		age := now.Sub(lock.LockedAt)
		if age <= g.cfg.LockMaxAge {
			switch {
			case !g.id.sameHost(lock):
				return Decision{OutcomeBlocked, fmt.Sprintf(
					"lock held by different host %s (pid %d, age %s); wait %s for it to expire or remove it",
					lock.OwnerHost, lock.OwnerPID, age.Round(time.Second), g.cfg.LockMaxAge)}, hb, lock
			case lock.OwnerPID == g.id.PID:
				return Decision{OutcomeReclaimed, "lock already owned by this process"}, hb, lock
			case g.alive(lock.OwnerPID):
				return Decision{OutcomeBlocked, fmt.Sprintf(
					"lock held by running process %d on this host (age %s)", lock.OwnerPID, age.Round(time.Second))}, hb, lock
			default:
				return Decision{OutcomeReclaimed, fmt.Sprintf(
					"lock owner pid %d is not running, previous instance likely crashed", lock.OwnerPID)}, hb, lock
			}
		}
	}
	return Decision{OutcomeAcquired, "heartbeat and lock are stale or absent"}, hb, lock
}

// Acquire decides whether this process may trade live and, unless blocked,
// writes a fresh lock record.
func (g *Guard) Acquire(ctx context.Context) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	d, _, seen := g.evaluate(ctx)
	if d.Allowed() {
		claimed, err := g.store.ClaimLock(ctx, Lock{
			LockedAt:       g.now().UTC(),
			OwnerHost:      g.id.Host,
			OwnerMachineID: g.id.MachineID,
			OwnerPID:       g.id.PID,
			Mode:           g.cfg.Mode,
		}, seen)
		if err != nil {
			return d, fmt.Errorf("write lock: %w", err)
		}
		if claimed {
			g.owned = true
		} else {
			d = Decision{OutcomeBlocked, "lock changed while deciding; another process claimed it first"}
		}
	}

	log := g.logger.Info()
	if !d.Allowed() {
		log = g.logger.Error()
	} else if d.Outcome == OutcomeReclaimed {
		log = g.logger.Warn()
	}
	log.Str("outcome", string(d.Outcome)).Str("reason", d.Reason).Int("pid", g.id.PID).Str("host", g.id.Host).
		Msg("instance guard decision")
	g.bus.Publish(events.EventGuardDecision, events.GuardDecision{
		Outcome: string(d.Outcome), Reason: d.Reason, Host: g.id.Host, PID: g.id.PID,
	})
	return d, nil
}

// Release removes the lock when this pid owns it and marks the heartbeat stopped.
func (g *Guard) Release(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.owned {
		return nil
	}
	g.owned = false

	var errs []error
	lock, err := g.store.ReadLock(ctx)
	switch {
	case err != nil:
		errs = append(errs, err)
	case lock != nil && lock.OwnerPID == g.id.PID && lock.OwnerHost == g.id.Host:
		if err := g.store.RemoveLock(ctx); err != nil {
			errs = append(errs, err)
		} else {
			g.logger.Info().Int("pid", g.id.PID).Msg("instance lock released")
		}
	case lock != nil:
		g.logger.Warn().Int("owner_pid", lock.OwnerPID).Str("owner_host", lock.OwnerHost).
			Msg("lock owned by another process, not removing")
	}
	if err := g.store.WriteHeartbeat(ctx, g.heartbeat(StatusStopped)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (g *Guard) heartbeat(status string) Heartbeat {
	return Heartbeat{
		LastHeartbeat: g.now().UTC(),
		Mode:          g.cfg.Mode,
		Status:        status,
		LoopCount:     g.loops,
		PID:           g.id.PID,
		Host:          g.id.Host,
	}
}

// Beat writes one running heartbeat.
func (g *Guard) Beat(ctx context.Context) error {
	g.mu.Lock()
	g.loops++
	hb := g.heartbeat(StatusRunning)
	g.mu.Unlock()
	return g.store.WriteHeartbeat(ctx, hb)
}

// RunHeartbeat beats immediately and then every interval until ctx is done.
func (g *Guard) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if err := g.Beat(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("heartbeat write failed")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Beat(ctx); err != nil {
				g.logger.Warn().Err(err).Msg("heartbeat write failed")
			}
		}
	}
}

// Status reports the current records and what Acquire would decide.
func (g *Guard) Status(ctx context.Context) Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	d, hb, lock := g.evaluate(ctx)
	st := Status{Decision: d, Heartbeat: hb, Lock: lock, OwnedByUs: g.owned, Host: g.id.Host, PID: g.id.PID, HeartbeatLoop: g.loops}
	if g.owned {
		st.Decision = Decision{OutcomeAcquired, "held by this process"}
	}
	now := g.now()
	if hb != nil {
		st.HeartbeatAge = now.Sub(hb.LastHeartbeat)
	}
	if lock != nil {
		st.LockAge = now.Sub(lock.LockedAt)
	}
	return st
}
