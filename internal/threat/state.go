package threat

import (
	"sync"
	"time"

	"eyeweb/internal/domain"
)

// keyState holds every counter for one identity key.
type keyState struct {
	mu sync.Mutex

	rateWindowStart time.Time
	rateCount       int
	rateLevel       int
	rateLastTrip    time.Time

	rules map[domain.ThreatCategory]*ruleHits

	probePaths    map[string]time.Time
	probeReported time.Time

	authFailures []time.Time
}

// ruleHits tracks an escalating rule. emitted is the severity rank last
// reported, or -1 when nothing has been reported since the last reset.
type ruleHits struct {
	hits    int
	emitted int
	last    time.Time
}

type keyTable struct {
	mu     sync.Mutex
	states map[string]*keyState
	max    int
}

func newKeyTable(max int) *keyTable {
	return &keyTable{states: make(map[string]*keyState), max: max}
}

// get returns the state for key. The table is cleared wholesale when a new key
// would exceed the limit.
func (t *keyTable) get(key string) *keyState {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[key]
	if !ok {
		if t.max > 0 && len(t.states) >= t.max {
			t.states = make(map[string]*keyState)
		}
		s = &keyState{
			rules:      make(map[domain.ThreatCategory]*ruleHits),
			probePaths: make(map[string]time.Time),
		}
		t.states[key] = s
	}
	return s
}

func (t *keyTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
