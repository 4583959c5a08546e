package governor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeConn struct {
	mu      sync.Mutex
	paused  int
	resumed int
}

func (f *fakeConn) Pause(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused++
}

func (f *fakeConn) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
}

func (f *fakeConn) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused, f.resumed
}

func TestNoDecisionBelowThresholds(t *testing.T) {
	g := NewThreshold(ThresholdConfig{PauseAfter: 3, MaxErrors: 10}, zap.NewNop())
	conn := &fakeConn{}
	g.RegisterConnection(conn)

	d := g.ReportError(errors.New("dial refused"))
	if d.Terminate {
		t.Error("single error should not terminate")
	}
	if paused, _ := conn.counts(); paused != 0 {
		t.Error("single error should not pause")
	}
}

func TestPauseOnBurst(t *testing.T) {
	g := NewThreshold(ThresholdConfig{PauseAfter: 3, PauseFor: 10 * time.Millisecond, MaxErrors: 100}, zap.NewNop())
	conn := &fakeConn{}
	g.RegisterConnection(conn)

	for i := 0; i < 3; i++ {
		g.ReportError(errors.New("dial refused"))
	}

	paused, _ := conn.counts()
	if paused != 1 {
		t.Fatalf("paused = %d, want 1", paused)
	}

	// Resume fires after the pause duration.
	deadline := time.After(time.Second)
	for {
		if _, resumed := conn.counts(); resumed == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for resume")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTerminateAtCap(t *testing.T) {
	g := NewThreshold(ThresholdConfig{PauseAfter: 100, MaxErrors: 4}, zap.NewNop())
	g.RegisterConnection(&fakeConn{})

	var last Decision
	for i := 0; i < 4; i++ {
		last = g.ReportError(errors.New("boom"))
	}
	if !last.Terminate {
		t.Error("cap-hitting error should terminate")
	}
	if last.Reason == "" {
		t.Error("terminate decision should carry a reason")
	}
}
