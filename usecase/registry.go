package usecase

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jigsawhub/puzzle-hub/domains/puzzle"
)

const ephemeralRecordTTL = 30 * time.Minute

// sessionShard owns the connections attached to the sessions whose hash
// falls in this shard.
type sessionShard struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*puzzle.Connection // sessionID -> connID -> conn
}

// Registry is the per-replica connection registry: three indices
// (by connection, by user, by session) plus the ephemeral K/V discovery
// records used for cross-replica routing.
type Registry struct {
	shards    []*sessionShard
	numShards uint32

	mu        sync.RWMutex
	byConn    map[string]*puzzle.Connection
	byUser    map[string]map[string]struct{}

	kv        puzzle.KVStore
	replicaID string
}

// NewRegistry builds a Registry sharded numShards ways. kv may be nil in
// tests that don't exercise cross-replica discovery.
func NewRegistry(numShards int, kv puzzle.KVStore, replicaID string) *Registry {
	if numShards < 1 {
		numShards = 1
	}
	shards := make([]*sessionShard, numShards)
	for i := range shards {
		shards[i] = &sessionShard{sessions: make(map[string]map[string]*puzzle.Connection)}
	}
	return &Registry{
		shards:    shards,
		numShards: uint32(numShards),
		byConn:    make(map[string]*puzzle.Connection),
		byUser:    make(map[string]map[string]struct{}),
		kv:        kv,
		replicaID: replicaID,
	}
}

func (r *Registry) shardFor(sessionID string) *sessionShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return r.shards[h.Sum32()%r.numShards]
}

// Register records a newly accepted transport, in the unattached state.
func (r *Registry) Register(connID, userID, displayName string) *puzzle.Connection {
	now := time.Now().UTC()
	conn := &puzzle.Connection{
		ID:            connID,
		UserID:        userID,
		DisplayName:   displayName,
		State:         puzzle.StateUnattached,
		EstablishedAt: now,
		LastSeenAt:    now,
		ReplicaID:     r.replicaID,
	}

	r.mu.Lock()
	r.byConn[connID] = conn
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][connID] = struct{}{}
	r.mu.Unlock()

	return conn
}

// AttachToSession moves connID into sessionID's group and refreshes its
// ephemeral K/V discovery records.
func (r *Registry) AttachToSession(ctx context.Context, connID, sessionID string) error {
	r.mu.Lock()
	conn, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return puzzle.ErrConnNotFound
	}
	conn.SessionID = sessionID
	conn.State = puzzle.StateAttached
	r.mu.Unlock()

	shard := r.shardFor(sessionID)
	shard.mu.Lock()
	if shard.sessions[sessionID] == nil {
		shard.sessions[sessionID] = make(map[string]*puzzle.Connection)
	}
	shard.sessions[sessionID][connID] = conn
	shard.mu.Unlock()

	r.writeEphemeralRecords(ctx, conn)
	return nil
}

// Detach removes connID from its session's group, returning the prior
// session id for cleanup ordering. It leaves the connection registered in
// the unattached state; callers that are tearing the connection down
// entirely should follow with Remove.
func (r *Registry) Detach(connID string) (priorSessionID string) {
	r.mu.Lock()
	conn, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return ""
	}
	priorSessionID = conn.SessionID
	conn.SessionID = ""
	conn.State = puzzle.StateUnattached
	r.mu.Unlock()

	if priorSessionID == "" {
		return ""
	}

	shard := r.shardFor(priorSessionID)
	shard.mu.Lock()
	if members := shard.sessions[priorSessionID]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(shard.sessions, priorSessionID)
		}
	}
	shard.mu.Unlock()

	if r.kv != nil {
		if err := r.kv.Delete(context.Background(), "connection:"+connID+":session"); err != nil {
			logrus.Debugf("[REGISTRY] failed to delete ephemeral connection record: %v", err)
		}
		if err := r.kv.Delete(context.Background(), "user:"+conn.UserID+":session"); err != nil {
			logrus.Debugf("[REGISTRY] failed to delete ephemeral user record: %v", err)
		}
	}
	return priorSessionID
}

// Remove fully forgets connID, used on transport close.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	conn, ok := r.byConn[connID]
	if ok {
		delete(r.byConn, connID)
		if set := r.byUser[conn.UserID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.byUser, conn.UserID)
			}
		}
	}
	r.mu.Unlock()
}

func (r *Registry) LookupByConnection(connID string) (*puzzle.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byConn[connID]
	return conn, ok
}

func (r *Registry) LookupByUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	out := make([]string, 0, len(set))
	for connID := range set {
		out = append(out, connID)
	}
	return out
}

// LookupBySession returns a point-in-time snapshot of the connections
// attached to sessionID, safe for lock-free iteration during fan-out.
func (r *Registry) LookupBySession(sessionID string) []*puzzle.Connection {
	shard := r.shardFor(sessionID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	members := shard.sessions[sessionID]
	out := make([]*puzzle.Connection, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// Touch records activity on connID and refreshes its ephemeral records.
func (r *Registry) Touch(ctx context.Context, connID string) {
	r.mu.Lock()
	conn, ok := r.byConn[connID]
	if ok {
		conn.LastSeenAt = time.Now().UTC()
	}
	r.mu.Unlock()

	if ok && conn.SessionID != "" {
		r.writeEphemeralRecords(ctx, conn)
	}
}

func (r *Registry) writeEphemeralRecords(ctx context.Context, conn *puzzle.Connection) {
	if r.kv == nil {
		return
	}
	if _, err := r.kv.Set(ctx, "connection:"+conn.ID+":session", conn.SessionID, ephemeralRecordTTL, puzzle.SetAlways); err != nil {
		logrus.Debugf("[REGISTRY] failed to refresh connection discovery record: %v", err)
	}
	if _, err := r.kv.Set(ctx, "user:"+conn.UserID+":session", conn.SessionID, ephemeralRecordTTL, puzzle.SetAlways); err != nil {
		logrus.Debugf("[REGISTRY] failed to refresh user discovery record: %v", err)
	}
}

// ActiveSessions returns the ids of every session with at least one local
// member on this replica, for the lock coordinator's audit sweep.
func (r *Registry) ActiveSessions() []string {
	seen := make(map[string]struct{})
	for _, shard := range r.shards {
		shard.mu.RLock()
		for sessionID := range shard.sessions {
			seen[sessionID] = struct{}{}
		}
		shard.mu.RUnlock()
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// Sweep returns the ids of connections whose last-seen timestamp is older
// than idleTimeout. The router drives cleanup for each via the normal
// disconnect path, so an idle eviction triggers the same cleanup as an
// explicit disconnect.
func (r *Registry) Sweep(idleTimeout time.Duration) []string {
	cutoff := time.Now().UTC().Add(-idleTimeout)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var expired []string
	for id, conn := range r.byConn {
		if conn.LastSeenAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	return expired
}
