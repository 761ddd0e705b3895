// Package sessions tracks every live bridge session and the totals
// the stats reporter logs.
package sessions

import (
	"sync"
	"sync/atomic"

	"github.com/vango-go/voicebridge/pkg/bridge/metrics"
	"github.com/vango-go/voicebridge/pkg/bridge/session"
)

// Registry maps session id to session. Insert and delete take the
// write lock; stats iteration takes the read lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session

	total atomic.Int64

	// Counters folded in from sessions that already closed, so
	// aggregate totals survive removal.
	closedBytesFromClient atomic.Int64
	closedBytesToClient   atomic.Int64
	closedConversions     atomic.Int64
}

// Aggregate is the stats snapshot logged every reporting interval.
type Aggregate struct {
	Active          int
	Total           int64
	BytesFromClient int64
	BytesToClient   int64
	Conversions     int64
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session.Session)}
}

func (r *Registry) Add(s *session.Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	r.total.Add(1)
	metrics.SessionsTotal.Inc()
	metrics.ActiveSessions.Inc()
}

// Remove drops the session and folds its counters into the closed
// totals. Removing a session that is not registered is a no-op.
func (r *Registry) Remove(s *session.Session) {
	r.mu.Lock()
	cur, ok := r.sessions[s.ID()]
	if ok && cur == s {
		delete(r.sessions, s.ID())
	} else {
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	stats := s.Stats()
	r.closedBytesFromClient.Add(stats.BytesFromClient)
	r.closedBytesToClient.Add(stats.BytesToClient)
	r.closedConversions.Add(stats.Conversions)
	metrics.ActiveSessions.Dec()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Get(id string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Aggregate sums live session counters with the folded closed totals.
func (r *Registry) Aggregate() Aggregate {
	agg := Aggregate{
		Total:           r.total.Load(),
		BytesFromClient: r.closedBytesFromClient.Load(),
		BytesToClient:   r.closedBytesToClient.Load(),
		Conversions:     r.closedConversions.Load(),
	}

	r.mu.RLock()
	agg.Active = len(r.sessions)
	for _, s := range r.sessions {
		stats := s.Stats()
		agg.BytesFromClient += stats.BytesFromClient
		agg.BytesToClient += stats.BytesToClient
		agg.Conversions += stats.Conversions
	}
	r.mu.RUnlock()
	return agg
}

// CloseAll closes every registered session and returns how many it
// closed. Sessions remove themselves via their OnClose hook.
func (r *Registry) CloseAll(reason string) int {
	r.mu.RLock()
	snapshot := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		s.Close(reason)
	}
	return len(snapshot)
}
