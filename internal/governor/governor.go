// Package governor defines the cross-session policy authority the
// connection manager reports to. The manager obeys governor decisions
// unconditionally; policy lives entirely on this side of the contract.
package governor

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Decision is the governor's verdict on a reported error.
type Decision struct {
	Terminate bool
	Reason    string
}

// Connection is the handle a manager registers. Pause and Resume are
// invoked by the governor; Pause must stop reconnect attempts until
// Resume.
type Connection interface {
	Pause(reason string)
	Resume()
}

// Governor is the policy authority contract.
type Governor interface {
	RegisterConnection(conn Connection)
	ReportError(err error) Decision
}

// Threshold is a local governor: it pauses the connection after an
// error burst and terminates past a hard error cap.
type Threshold struct {
	mu     sync.Mutex
	conn   Connection
	logger *zap.Logger

	burstWindow time.Duration
	pauseAfter  int
	pauseFor    time.Duration
	maxErrors   int

	total int
	burst []time.Time
}

// ThresholdConfig tunes the local governor.
type ThresholdConfig struct {
	BurstWindow time.Duration // window for counting an error burst
	PauseAfter  int           // burst size that triggers a pause
	PauseFor    time.Duration // how long a pause lasts
	MaxErrors   int           // lifetime error cap before terminate
}

// NewThreshold creates a local governor.
func NewThreshold(cfg ThresholdConfig, logger *zap.Logger) *Threshold {
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = time.Minute
	}
	if cfg.PauseAfter <= 0 {
		cfg.PauseAfter = 5
	}
	if cfg.PauseFor <= 0 {
		cfg.PauseFor = 30 * time.Second
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 100
	}
	return &Threshold{
		logger:      logger,
		burstWindow: cfg.BurstWindow,
		pauseAfter:  cfg.PauseAfter,
		pauseFor:    cfg.PauseFor,
		maxErrors:   cfg.MaxErrors,
	}
}

// RegisterConnection attaches the managed connection. Only one
// connection is governed at a time; re-registration replaces it.
func (g *Threshold) RegisterConnection(conn Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conn = conn
}

// ReportError records a connection error and returns the verdict.
func (g *Threshold) ReportError(err error) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	g.total++
	g.burst = append(g.burst, now)
	cutoff := now.Add(-g.burstWindow)
	for len(g.burst) > 0 && g.burst[0].Before(cutoff) {
		g.burst = g.burst[1:]
	}

	if g.total >= g.maxErrors {
		g.logger.Warn("governor terminating connection",
			zap.Int("total_errors", g.total),
			zap.Error(err))
		return Decision{Terminate: true, Reason: "error cap exceeded"}
	}

	if len(g.burst) >= g.pauseAfter && g.conn != nil {
		g.logger.Warn("governor pausing connection",
			zap.Int("burst", len(g.burst)),
			zap.Duration("pause", g.pauseFor))
		g.burst = nil
		conn := g.conn
		conn.Pause("error burst")
		time.AfterFunc(g.pauseFor, conn.Resume)
	}

	return Decision{}
}

// Noop is a governor that never intervenes, for tests and callers that
// bring their own policy.
type Noop struct{}

func (Noop) RegisterConnection(Connection) {}
func (Noop) ReportError(error) Decision    { return Decision{} }
