package lifecycle

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeliveredDefer is the short delay before a reachable recipient's message
// transitions from sent to delivered, per §5.
const DeliveredDefer = 1 * time.Second

type pendingTimer struct {
	timer     *time.Timer
	cancelled bool
}

// scheduler owns the pending delivered-transition timers. Cancellation is
// race-free against the timer firing because both paths take the same
// mutex: Cancel sets the flag before the timer could plausibly fire, and
// the fired callback checks the flag under the same lock before acting.
type scheduler struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*pendingTimer
}

func newScheduler() *scheduler {
	return &scheduler{pending: make(map[uuid.UUID]*pendingTimer)}
}

// Schedule arms a delivered-transition timer for messageID. If one is
// already pending for this id it is replaced.
func (s *scheduler) Schedule(messageID uuid.UUID, delay time.Duration, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pending[messageID]; ok {
		existing.cancelled = true
		existing.timer.Stop()
	}
	pt := &pendingTimer{}
	pt.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		cancelled := pt.cancelled
		delete(s.pending, messageID)
		s.mu.Unlock()
		if !cancelled {
			fire()
		}
	})
	s.pending[messageID] = pt
}

// Cancel must be called before a Read transition to guarantee no spurious
// delivered->read->delivered emission, per §5.
func (s *scheduler) Cancel(messageID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pt, ok := s.pending[messageID]; ok {
		pt.cancelled = true
		pt.timer.Stop()
		delete(s.pending, messageID)
	}
}
