package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/jigsawhub/puzzle-hub/domains/puzzle"
	"github.com/jigsawhub/puzzle-hub/metrics"
)

// DeliverFunc is invoked once per inbound backplane message, after sender
// exclusion has already been decided by the adapter. conns is the set of
// local connections that should receive env.
type DeliverFunc func(conns []*puzzle.Connection, env puzzle.Envelope)

// Backplane publishes every outgoing notification to the K/V topic for its
// session, and fans inbound topic traffic out to local connections, using
// one topic per session rather than a single global channel.
type Backplane struct {
	kv        puzzle.KVStore
	registry  *Registry
	prefix    string
	replicaID string
	deliver   DeliverFunc
	seq       uint64

	mu    sync.Mutex
	subs  map[string]context.CancelFunc
	refs  map[string]int
}

// NewBackplane wires a Backplane over kv. deliver is called for every
// inbound message this replica should act on.
func NewBackplane(kv puzzle.KVStore, registry *Registry, channelPrefix, replicaID string, deliver DeliverFunc) *Backplane {
	return &Backplane{
		kv:        kv,
		registry:  registry,
		prefix:    channelPrefix,
		replicaID: replicaID,
		deliver:   deliver,
		subs:      make(map[string]context.CancelFunc),
		refs:      make(map[string]int),
	}
}

func (b *Backplane) topic(sessionID string) string {
	return b.prefix + ":puzzle-" + sessionID
}

// Publish sends one notification to sessionID's group. originConnID is the
// connection that triggered the event (empty for system-originated events
// such as the TTL-reclaim unlock), used for sender exclusion on receipt.
func (b *Backplane) Publish(ctx context.Context, sessionID, originConnID, kind string, payload interface{}) error {
	env := puzzle.Envelope{
		OriginReplicaID: b.replicaID,
		OriginConnID:    originConnID,
		SessionID:       sessionID,
		Kind:            kind,
		Seq:             atomic.AddUint64(&b.seq, 1),
		Payload:         payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.kv.Publish(ctx, b.topic(sessionID), data); err != nil {
		// Publish failures are logged and counted, never propagated to the
		// caller: the caller already delivered this event to its own local
		// members directly, so only cross-replica members miss out, and
		// only until the next event on this topic.
		logrus.Warnf("[BACKPLANE] publish to %q failed: %v", sessionID, err)
		metrics.BackplanePublishErrorsTotal.Inc()
		return nil
	}
	return nil
}

// EnsureSubscribed starts (ref-counted) a subscription for sessionID if
// this replica does not already have one, so the local members it just
// gained visibility into will receive fan-out traffic.
func (b *Backplane) EnsureSubscribed(ctx context.Context, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refs[sessionID]++
	if b.refs[sessionID] > 1 {
		return
	}

	subCtx, cancel := context.WithCancel(ctx)
	b.subs[sessionID] = cancel

	msgs, err := b.kv.Subscribe(subCtx, b.topic(sessionID))
	if err != nil {
		logrus.Errorf("[BACKPLANE] failed to subscribe to %q: %v", sessionID, err)
		return
	}

	go b.consume(sessionID, msgs)
}

// Release drops one reference on sessionID's subscription, tearing it down
// once no local connection needs it anymore.
func (b *Backplane) Release(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refs[sessionID]--
	if b.refs[sessionID] > 0 {
		return
	}
	delete(b.refs, sessionID)
	if cancel, ok := b.subs[sessionID]; ok {
		cancel()
		delete(b.subs, sessionID)
	}
}

func (b *Backplane) consume(sessionID string, msgs <-chan puzzle.KVMessage) {
	for m := range msgs {
		var env puzzle.Envelope
		if err := json.Unmarshal(m.Payload, &env); err != nil {
			logrus.Warnf("[BACKPLANE] malformed envelope on %q: %v", m.Topic, err)
			continue
		}

		// Events this replica published were already delivered to its own
		// local members directly by the caller (Router.fanOut); the
		// subscription echo only needs to carry them to other replicas.
		if env.OriginReplicaID == b.replicaID {
			continue
		}

		conns := b.registry.LookupBySession(sessionID)
		var targets []*puzzle.Connection
		for _, c := range conns {
			if c.ID == env.OriginConnID {
				continue
			}
			targets = append(targets, c)
		}
		if len(targets) == 0 {
			continue
		}
		b.deliver(targets, env)
	}
}
