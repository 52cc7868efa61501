package presence

import (
	"slices"
	"strings"
	"sync"
)

// Rooms tracks, per room, the ordered set of joined connections.
//
// Membership is keyed by connection id, never by user id: two tabs of the same
// user are two members. A (room, connection) pair is either absent or joined.
type Rooms struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	byConn map[string]map[string]struct{}
}

type room struct {
	order   []string
	members map[string]Member
}

// JoinResult describes the outcome of a Join.
type JoinResult struct {
	RoomID string
	Member Member
	// Fresh is false when the connection was already joined (re-join refreshes identity only).
	Fresh bool
	// Others are the connection ids that should receive user-joined.
	Others []string
	// Snapshot is the full membership after the join, in join order.
	Snapshot []Member
}

// LeaveResult describes the outcome of a Leave (or one room of a Purge).
type LeaveResult struct {
	RoomID string
	Member Member
	// Remaining is the membership after removal. Empty when the room was pruned.
	Remaining []Member
	Pruned    bool
}

// NewRooms constructs an empty room tracker.
func NewRooms() *Rooms {
	return &Rooms{
		rooms:  make(map[string]*room),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join adds connID to roomID, creating the room if absent.
// It returns false only when roomID or connID is empty.
func (r *Rooms) Join(roomID, connID, userID, userName string) (JoinResult, bool) {
	roomID = strings.TrimSpace(roomID)
	connID = strings.TrimSpace(connID)
	if roomID == "" || connID == "" {
		return JoinResult{}, false
	}
	userID, userName = NormalizeIdentity(userID, userName)
	m := Member{ConnectionID: connID, UserID: userID, UserName: userName}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[roomID]
	if rm == nil {
		rm = &room{members: make(map[string]Member)}
		r.rooms[roomID] = rm
	}

	_, already := rm.members[connID]
	rm.members[connID] = m
	if !already {
		rm.order = append(rm.order, connID)
	}

	set := r.byConn[connID]
	if set == nil {
		set = make(map[string]struct{})
		r.byConn[connID] = set
	}
	set[roomID] = struct{}{}

	res := JoinResult{
		RoomID:   roomID,
		Member:   m,
		Fresh:    !already,
		Snapshot: rm.snapshot(),
	}
	if res.Fresh {
		res.Others = make([]string, 0, len(rm.order)-1)
		for _, id := range rm.order {
			if id != connID {
				res.Others = append(res.Others, id)
			}
		}
	}
	return res, true
}

// Leave removes connID from roomID. Leaving a room never joined is a no-op (false).
// An emptied room is pruned.
func (r *Rooms) Leave(roomID, connID string) (LeaveResult, bool) {
	roomID = strings.TrimSpace(roomID)
	connID = strings.TrimSpace(connID)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(roomID, connID)
}

func (r *Rooms) leaveLocked(roomID, connID string) (LeaveResult, bool) {
	rm := r.rooms[roomID]
	if rm == nil {
		return LeaveResult{}, false
	}
	m, ok := rm.members[connID]
	if !ok {
		return LeaveResult{}, false
	}

	delete(rm.members, connID)
	if i := slices.Index(rm.order, connID); i >= 0 {
		rm.order = slices.Delete(rm.order, i, i+1)
	}

	if set := r.byConn[connID]; set != nil {
		delete(set, roomID)
		if len(set) == 0 {
			delete(r.byConn, connID)
		}
	}

	res := LeaveResult{RoomID: roomID, Member: m}
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		res.Pruned = true
		return res, true
	}
	res.Remaining = rm.snapshot()
	return res, true
}

// Purge removes connID from every room it belongs to, under one lock acquisition.
// Results are ordered by room id.
func (r *Rooms) Purge(connID string) []LeaveResult {
	connID = strings.TrimSpace(connID)

	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byConn[connID]
	if len(set) == 0 {
		return nil
	}

	roomIDs := make([]string, 0, len(set))
	for id := range set {
		roomIDs = append(roomIDs, id)
	}
	slices.Sort(roomIDs)

	out := make([]LeaveResult, 0, len(roomIDs))
	for _, id := range roomIDs {
		if res, ok := r.leaveLocked(id, connID); ok {
			out = append(out, res)
		}
	}
	return out
}

// Members returns a snapshot of roomID's membership in join order.
func (r *Rooms) Members(roomID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm := r.rooms[roomID]
	if rm == nil {
		return nil
	}
	return rm.snapshot()
}

// IsMember reports whether connID is currently joined to roomID.
func (r *Rooms) IsMember(roomID, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm := r.rooms[roomID]
	if rm == nil {
		return false
	}
	_, ok := rm.members[connID]
	return ok
}

// RoomsOf returns the sorted room ids connID is joined to.
func (r *Rooms) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byConn[connID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Stats returns the number of live rooms and the total number of memberships.
func (r *Rooms) Stats() (rooms, memberships int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rm := range r.rooms {
		memberships += len(rm.members)
	}
	return len(r.rooms), memberships
}

// Sizes returns member counts keyed by room id.
func (r *Rooms) Sizes() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.rooms))
	for id, rm := range r.rooms {
		out[id] = len(rm.members)
	}
	return out
}

func (rm *room) snapshot() []Member {
	out := make([]Member, 0, len(rm.order))
	for _, id := range rm.order {
		out = append(out, rm.members[id])
	}
	return out
}
