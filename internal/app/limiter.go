package app

import (
	"math/rand"
	"sync"
)

// sessionLocks serializes picker operations per session.
type sessionLocks struct {
	mu   sync.Mutex
	byID map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{byID: make(map[string]*sync.Mutex)}
}

func (l *sessionLocks) lock(sessionID string) func() {
	l.mu.Lock()
	m, ok := l.byID[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.byID[sessionID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// lockedRand makes a *rand.Rand safe to share across sessions.
type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Intn(n)
}

func (r *lockedRand) Shuffle(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// rand.Shuffle is Fisher-Yates.
	r.rnd.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
}
