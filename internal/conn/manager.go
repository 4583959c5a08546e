package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mvales/courier/internal/bus"
	"github.com/mvales/courier/internal/clock"
	"github.com/mvales/courier/internal/config"
	"github.com/mvales/courier/internal/creds"
	"github.com/mvales/courier/internal/governor"
	"github.com/mvales/courier/internal/relayerr"
)

// PresenceReporter publishes this client's own presence. Reports are
// best effort; a failed report never affects connection state.
type PresenceReporter interface {
	ReportPresence(ctx context.Context, status string) error
}

type pauseError struct{ reason string }

func (e pauseError) Error() string { return "paused: " + e.reason }

// Manager owns the push stream: it dials, watches heartbeats, decodes
// events onto the bus and drives reconnection through the state
// machine within the retry budget.
type Manager struct {
	machine  *Machine
	bus      *bus.Bus
	logger   *zap.Logger
	cfg      config.Stream
	creds    creds.Supplier
	gov      governor.Governor
	presence PresenceReporter

	// Swapped in tests.
	clk  clock.Clock
	dial dialFunc

	pause  chan string
	resume chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager builds a manager wired to the real stream endpoint. The
// presence reporter may be nil.
func NewManager(cfg *config.Config, b *bus.Bus, supplier creds.Supplier, gov governor.Governor, presence PresenceReporter, logger *zap.Logger) *Manager {
	m := &Manager{
		machine:  NewMachine(b),
		bus:      b,
		logger:   logger.Named("conn"),
		cfg:      cfg.Stream,
		creds:    supplier,
		gov:      gov,
		presence: presence,
		clk:      clock.Real{},
		dial:     httpDialer(cfg.Stream.URL, streamClient(30*time.Second)),
		pause:    make(chan string, 1),
		resume:   make(chan struct{}, 1),
	}
	gov.RegisterConnection(m)
	return m
}

// State returns the current connection state.
func (m *Manager) State() State { return m.machine.Current() }

func (m *Manager) limits() Limits {
	return Limits{
		MaxConsecutive: m.cfg.MaxConsecutiveFailures,
		MaxTotal:       m.cfg.MaxTotalAttempts,
		ShortBase:      m.cfg.ShortRetryBase.Duration,
		ShortCap:       m.cfg.ShortRetryCap.Duration,
		ShortAttempts:  m.cfg.ShortRetryAttempts,
	}
}

// Connect starts the connection loop. Idempotent: a second call while
// the loop is running does nothing, so at most one stream is ever
// open. Returns an error when the state is BANNED; Reset must be
// called first.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if m.machine.Current() == Banned {
		return relayerr.New(relayerr.KindClient, "conn.connect", "connection is banned, reset required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	return nil
}

// Disconnect stops the loop and waits for it to exit.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
}

// Reset clears a BANNED state back to DISCONNECTED. The retry budget
// starts fresh on the next Connect.
func (m *Manager) Reset() error {
	if m.machine.Current() != Banned {
		return fmt.Errorf("reset from %s: only a banned connection can be reset", m.machine.Current())
	}
	return m.machine.Transition(Disconnected)
}

// Pause implements governor.Connection. The loop is interrupted at its
// next wait point; reconnect attempts stop until Resume.
func (m *Manager) Pause(reason string) {
	select {
	case m.pause <- reason:
	default:
	}
}

// Resume implements governor.Connection.
func (m *Manager) Resume() {
	select {
	case m.resume <- struct{}{}:
	default:
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(done)
	}()

	var budget Budget
	justRefreshed := false
loop:
	for ctx.Err() == nil {
		select {
		case reason := <-m.pause:
			if !m.enterPause(ctx, reason) {
				break loop
			}
			continue
		default:
		}

		if err := m.machine.Transition(Connecting); err != nil {
			m.logger.Error("cannot start connect attempt", zap.Error(err))
			return
		}

		st, err := m.dial(ctx, m.creds.Current().Token)
		if err != nil {
			if ctx.Err() != nil {
				break loop
			}
			// An expired token gets exactly one refresh-and-retry
			// that does not count against the budget. A second auth
			// failure in a row counts normally.
			if relayerr.IsAuth(err) && !justRefreshed {
				justRefreshed = true
				_, rerr := m.creds.Refresh(ctx)
				if rerr == nil {
					m.logger.Info("credential refreshed, retrying connect")
					m.machine.Transition(Disconnected)
					continue
				}
				m.logger.Warn("credential refresh failed", zap.Error(rerr))
			} else {
				justRefreshed = false
			}
			var fatal bool
			budget, fatal = m.handleFailure(ctx, budget, err)
			if fatal {
				return
			}
			continue
		}

		m.machine.Transition(Connected)
		budget = budget.Success()
		justRefreshed = false
		m.reportPresence("online")

		err = m.serve(ctx, st)
		st.Close()
		if ctx.Err() != nil {
			break loop
		}
		var pe pauseError
		if errors.As(err, &pe) {
			if !m.enterPause(ctx, pe.reason) {
				break loop
			}
			continue
		}
		var fatal bool
		budget, fatal = m.handleFailure(ctx, budget, err)
		if fatal {
			return
		}
	}

	m.reportPresence("offline")
	if m.machine.Current() != Banned {
		m.machine.Transition(Disconnected)
	}
}

// handleFailure records one failed attempt, consults the governor and
// the budget, and either bans the connection or sits out the backoff
// for the current tier.
func (m *Manager) handleFailure(ctx context.Context, b Budget, err error) (Budget, bool) {
	b = b.Failure()
	m.logger.Warn("connection lost",
		zap.Error(err),
		zap.Int("consecutive_failures", b.ConsecutiveFailures),
		zap.Int("total_attempts", b.TotalAttempts))

	if d := m.gov.ReportError(err); d.Terminate {
		m.ban(relayerr.New(relayerr.KindGovernorTerminated, "conn", d.Reason))
		return b, true
	}
	if b.Exhausted(m.limits()) {
		m.ban(relayerr.New(relayerr.KindBudgetExhausted, "conn",
			fmt.Sprintf("retry budget exhausted after %d consecutive failures, %d total attempts",
				b.ConsecutiveFailures, b.TotalAttempts)))
		return b, true
	}

	delay, tier := NextDelay(b, m.limits())
	m.machine.Transition(tier)
	m.logger.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.String("tier", string(tier)))

	timer := m.clk.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C():
	case reason := <-m.pause:
		if !m.enterPause(ctx, reason) {
			return b, true
		}
	case <-ctx.Done():
	}
	return b, false
}

func (m *Manager) ban(err *relayerr.Error) {
	m.logger.Error("connection banned", zap.Error(err))
	m.machine.Transition(Banned)
	m.bus.Publish(bus.Event{
		Kind:      bus.KindConnFatal,
		Timestamp: m.clk.Now(),
		Payload:   err.Error(),
	})
	m.reportPresence("offline")
}

// enterPause parks the loop in PAUSED until a resume signal. Returns
// false when the context ended while paused.
func (m *Manager) enterPause(ctx context.Context, reason string) bool {
	m.logger.Warn("connection paused", zap.String("reason", reason))
	m.machine.Transition(Paused)
	m.reportPresence("away")
	select {
	case <-m.resume:
		m.logger.Info("connection resumed")
		m.machine.Transition(Disconnected)
		return true
	case <-ctx.Done():
		return false
	}
}

// serve pumps one open stream: decoding events onto the bus, watching
// for heartbeat silence and refreshing credentials shortly before they
// expire. Returns the error that ended the stream.
func (m *Manager) serve(ctx context.Context, st stream) error {
	interval := m.cfg.HeartbeatInterval.Duration
	hb := m.clk.NewTicker(interval)
	defer hb.Stop()

	lastActivity := m.clk.Now()
	missed := 0

	refresh := m.refreshTimer()
	defer func() {
		if refresh != nil {
			refresh.Stop()
		}
	}()
	var refreshAt <-chan time.Time
	if refresh != nil {
		refreshAt = refresh.C()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case reason := <-m.pause:
			return pauseError{reason: reason}

		case msg, ok := <-st.C():
			if !ok {
				return relayerr.New(relayerr.KindNetwork, "stream.read", "stream ended")
			}
			if msg.err != nil {
				return msg.err
			}
			lastActivity = m.clk.Now()
			missed = 0
			if msg.event == "" && msg.data == "" {
				continue
			}
			m.dispatch(msg)

		case <-hb.C():
			// Any traffic, keepalives included, counts as a beat. A
			// beat is missed only after three intervals of silence on
			// an otherwise open connection.
			if m.clk.Now().Sub(lastActivity) <= 3*interval {
				continue
			}
			missed++
			m.logger.Warn("missed heartbeat",
				zap.Int("missed", missed),
				zap.Duration("silence", m.clk.Now().Sub(lastActivity)))
			if missed >= m.cfg.MaxMissedBeats {
				return relayerr.New(relayerr.KindHeartbeat, "stream.heartbeat",
					fmt.Sprintf("%d consecutive missed heartbeats", missed))
			}

		case <-refreshAt:
			refreshAt = nil
			cred, err := m.creds.Refresh(ctx)
			if err != nil {
				m.logger.Warn("proactive credential refresh failed", zap.Error(err))
				continue
			}
			m.logger.Info("credential refreshed proactively",
				zap.Time("expires_at", cred.ExpiresAt))
			if refresh = m.refreshTimer(); refresh != nil {
				refreshAt = refresh.C()
			}
		}
	}
}

// refreshTimer returns a timer firing RefreshLead before the current
// credential expires, or nil when the expiry is unknown.
func (m *Manager) refreshTimer() clock.Timer {
	exp := m.creds.Current().ExpiresAt
	if exp.IsZero() {
		return nil
	}
	wait := exp.Sub(m.clk.Now()) - m.cfg.RefreshLead.Duration
	if wait < 0 {
		wait = 0
	}
	return m.clk.NewTimer(wait)
}

func (m *Manager) dispatch(msg sseMsg) {
	kind, payload, err := parseEvent(msg.event, []byte(msg.data))
	if err != nil {
		m.logger.Warn("dropping malformed push event",
			zap.String("event", msg.event), zap.Error(err))
		return
	}
	if kind == "" {
		m.logger.Debug("ignoring unknown push event", zap.String("event", msg.event))
		return
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: m.clk.Now(), Payload: payload})
}

func (m *Manager) reportPresence(status string) {
	if m.presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := m.presence.ReportPresence(ctx, status); err != nil {
			m.logger.Debug("presence report failed",
				zap.String("status", status), zap.Error(err))
		}
	}()
}
