package presence

import (
	"cmp"
	"slices"
	"strings"
	"sync"
)

// Registry is the global online directory: connection id -> identity, plus a
// reverse index user id -> connection ids used by targeted fan-out.
type Registry struct {
	mu     sync.RWMutex
	seq    uint64
	conns  map[string]registryEntry
	byUser map[string]map[string]struct{}
}

type registryEntry struct {
	member Member
	seq    uint64
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]registryEntry),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Register records connID's identity and returns the updated online list.
// Registering an already known connection replaces its identity but keeps its position.
func (r *Registry) Register(connID, userID, userName string) []Member {
	connID = strings.TrimSpace(connID)
	if connID == "" {
		return r.List()
	}
	userID, userName = NormalizeIdentity(userID, userName)

	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.seq + 1
	if prev, ok := r.conns[connID]; ok {
		seq = prev.seq
		r.unindexLocked(prev.member)
	} else {
		r.seq = seq
	}

	m := Member{ConnectionID: connID, UserID: userID, UserName: userName}
	r.conns[connID] = registryEntry{member: m, seq: seq}

	set := r.byUser[userID]
	if set == nil {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[connID] = struct{}{}

	return r.listLocked()
}

// Unregister removes connID unconditionally and returns the updated online list.
// The boolean reports whether an entry was actually removed; unknown ids are a no-op.
func (r *Registry) Unregister(connID string) ([]Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
		r.unindexLocked(e.member)
	}
	return r.listLocked(), ok
}

func (r *Registry) unindexLocked(m Member) {
	set := r.byUser[m.UserID]
	if set == nil {
		return
	}
	delete(set, m.ConnectionID)
	if len(set) == 0 {
		delete(r.byUser, m.UserID)
	}
}

// List returns a snapshot of every online connection in registration order.
func (r *Registry) List() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []Member {
	entries := make([]registryEntry, 0, len(r.conns))
	for _, e := range r.conns {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, bySeq)

	out := make([]Member, len(entries))
	for i, e := range entries {
		out[i] = e.member
	}
	return out
}

// Lookup returns the identity registered for connID.
func (r *Registry) Lookup(connID string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	return e.member, ok
}

// ConnectionsOf returns userID's live connection ids in registration order.
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	if len(set) == 0 {
		return nil
	}

	entries := make([]registryEntry, 0, len(set))
	for id := range set {
		entries = append(entries, r.conns[id])
	}
	slices.SortFunc(entries, bySeq)

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.member.ConnectionID
	}
	return out
}

// Len returns the number of online connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func bySeq(a, b registryEntry) int { return cmp.Compare(a.seq, b.seq) }
