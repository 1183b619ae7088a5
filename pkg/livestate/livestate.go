// Package livestate tracks whether a run is in progress and what it is
// executing, and pushes throttled snapshots to subscribers.
package livestate

import (
	"slices"
	"sync"
	"time"

	"github.com/ethpandaops/evaloor/pkg/executor"
	"github.com/ethpandaops/evaloor/pkg/runner"
	"github.com/sirupsen/logrus"
)

// DefaultThrottle is the coalescing window for broadcasts.
const DefaultThrottle = 100 * time.Millisecond

// State types.
const (
	StateIdle    = "idle"
	StateRunning = "running"
)

// ServerState is a snapshot of the server. Running fields are empty when
// idle.
type ServerState struct {
	Type             string   `json:"type"`
	RunKind          string   `json:"runType,omitempty"`
	Filepaths        []string `json:"filepaths,omitempty"`
	EvalNamesRunning []string `json:"evalNamesRunning,omitempty"`
	ResultIDsRunning []uint   `json:"resultIdsRunning,omitempty"`
}

// Tracker follows run lifecycle events.
type Tracker interface {
	runner.Reporter

	// State returns the current snapshot.
	State() ServerState
	// Subscribe returns a channel receiving the latest snapshot after each
	// throttled broadcast. Slow subscribers only ever see the newest state.
	Subscribe() (<-chan ServerState, func())
	// Stop cancels any pending broadcast.
	Stop()
}

// NewTracker creates a new Tracker. A zero throttle uses DefaultThrottle.
func NewTracker(log logrus.FieldLogger, throttle time.Duration) Tracker {
	if throttle <= 0 {
		throttle = DefaultThrottle
	}

	return &tracker{
		log:         log.WithField("component", "livestate"),
		throttle:    throttle,
		state:       ServerState{Type: StateIdle},
		subscribers: make(map[uint64]chan ServerState, 4),
	}
}

type tracker struct {
	log      logrus.FieldLogger
	throttle time.Duration

	mu          sync.Mutex
	state       ServerState
	pending     *time.Timer
	nextSubID   uint64
	subscribers map[uint64]chan ServerState
}

var _ Tracker = (*tracker)(nil)

func (t *tracker) State() ServerState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state.clone()
}

func (t *tracker) Subscribe() (<-chan ServerState, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSubID
	t.nextSubID++

	ch := make(chan ServerState, 1)
	t.subscribers[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()

			if sub, ok := t.subscribers[id]; ok {
				delete(t.subscribers, id)
				close(sub)
			}
		})
	}
}

func (t *tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}

	for id, sub := range t.subscribers {
		delete(t.subscribers, id)
		close(sub)
	}
}

func (t *tracker) RunStarted(info runner.RunInfo) {
	t.update(func(s *ServerState) {
		*s = ServerState{
			Type:             StateRunning,
			RunKind:          info.Kind,
			Filepaths:        slices.Clone(info.Filepaths),
			EvalNamesRunning: []string{},
			ResultIDsRunning: []uint{},
		}
	})
}

func (t *tracker) EvalStarted(info runner.EvalInfo) {
	t.update(func(s *ServerState) {
		if s.Type != StateRunning {
			return
		}

		s.EvalNamesRunning = append(s.EvalNamesRunning, info.Name)
	})
}

func (t *tracker) ResultStarted(_ runner.EvalInfo, resultID uint) {
	t.update(func(s *ServerState) {
		if s.Type != StateRunning {
			return
		}

		s.ResultIDsRunning = append(s.ResultIDsRunning, resultID)
	})
}

func (t *tracker) ResultFinished(_ runner.EvalInfo, outcome *executor.Outcome) {
	t.update(func(s *ServerState) {
		s.ResultIDsRunning = slices.DeleteFunc(s.ResultIDsRunning, func(id uint) bool {
			return id == outcome.ResultID
		})
	})
}

func (t *tracker) EvalFinished(summary runner.EvalSummary) {
	t.update(func(s *ServerState) {
		if i := slices.Index(s.EvalNamesRunning, summary.Name); i >= 0 {
			s.EvalNamesRunning = slices.Delete(s.EvalNamesRunning, i, i+1)
		}
	})
}

func (t *tracker) RunFinished(*runner.Summary) {
	t.update(func(s *ServerState) {
		*s = ServerState{Type: StateIdle}
	})
}

// update mutates the state and schedules a broadcast unless one is
// already pending.
func (t *tracker) update(fn func(*ServerState)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fn(&t.state)

	if t.pending != nil {
		return
	}

	t.pending = time.AfterFunc(t.throttle, t.broadcast)
}

func (t *tracker) broadcast() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending = nil
	snapshot := t.state.clone()

	for _, sub := range t.subscribers {
		// Replace any unread snapshot with the newest one.
		select {
		case <-sub:
		default:
		}

		sub <- snapshot
	}

	t.log.WithFields(logrus.Fields{
		"state":       snapshot.Type,
		"subscribers": len(t.subscribers),
	}).Debug("Broadcast server state")
}

func (s ServerState) clone() ServerState {
	s.Filepaths = slices.Clone(s.Filepaths)
	s.EvalNamesRunning = slices.Clone(s.EvalNamesRunning)
	s.ResultIDsRunning = slices.Clone(s.ResultIDsRunning)

	return s
}
