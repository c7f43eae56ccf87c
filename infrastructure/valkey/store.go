package valkey

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	valkeylib "github.com/valkey-io/valkey-go"

	"github.com/jigsawhub/puzzle-hub/domains/puzzle"
	"github.com/jigsawhub/puzzle-hub/pkg/apierr"
)

// compareDeleteScript atomically deletes key only if its value matches
// the caller's token.
const compareDeleteScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// compareExtendScript atomically resets a key's TTL only if its value
// matches the caller's token, generalizing the same owner-check idea to
// lock extension.
const compareExtendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("expire", KEYS[1], ARGV[2])
else
	return 0
end
`

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Store implements domains/puzzle.KVStore over a Client, adding
// auto-reconnect-with-backoff and re-subscribe behavior on top of it.
type Store struct {
	client *Client

	mu   sync.Mutex
	subs map[string][]chan puzzle.KVMessage
}

// NewStore wraps client as a puzzle.KVStore.
func NewStore(client *Client) *Store {
	return &Store{
		client: client,
		subs:   make(map[string][]chan puzzle.KVMessage),
	}
}

func (s *Store) fullKey(key string) string {
	return s.client.Key(key)
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	cmd := s.client.inner.B().Get().Key(s.fullKey(key)).Build()
	data, err := s.client.inner.Do(ctx, cmd).AsBytes()
	if err != nil {
		if IsNil(err) {
			return "", false, nil
		}
		return "", false, apierr.StoreUnavailable(err)
	}
	return string(data), true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration, mode puzzle.SetMode) (bool, error) {
	builder := s.client.inner.B().Set().Key(s.fullKey(key)).Value(value)
	var cmd valkeylib.Completed
	switch mode {
	case puzzle.SetIfAbsent:
		if ttl > 0 {
			cmd = builder.Nx().Ex(ttl).Build()
		} else {
			cmd = builder.Nx().Build()
		}
	default:
		if ttl > 0 {
			cmd = builder.Ex(ttl).Build()
		} else {
			cmd = builder.Build()
		}
	}

	err := s.client.inner.Do(ctx, cmd).Error()
	if err != nil {
		if IsNil(err) {
			// NX set lost the race; not applied, not an infrastructure error.
			return false, nil
		}
		return false, apierr.StoreUnavailable(err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	cmd := s.client.inner.B().Del().Key(s.fullKey(key)).Build()
	if err := s.client.inner.Do(ctx, cmd).Error(); err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

func (s *Store) CompareDelete(ctx context.Context, key, expect string) (bool, error) {
	cmd := s.client.inner.B().Eval().
		Script(compareDeleteScript).
		Numkeys(1).
		Key(s.fullKey(key)).
		Arg(expect).
		Build()

	n, err := s.client.inner.Do(ctx, cmd).AsInt64()
	if err != nil {
		return false, apierr.StoreUnavailable(err)
	}
	return n == 1, nil
}

func (s *Store) CompareExtend(ctx context.Context, key, expect string, ttl time.Duration) (bool, error) {
	cmd := s.client.inner.B().Eval().
		Script(compareExtendScript).
		Numkeys(1).
		Key(s.fullKey(key)).
		Arg(expect, formatSeconds(ttl)).
		Build()

	n, err := s.client.inner.Do(ctx, cmd).AsInt64()
	if err != nil {
		return false, apierr.StoreUnavailable(err)
	}
	return n == 1, nil
}

func (s *Store) Publish(ctx context.Context, topic string, payload []byte) error {
	cmd := s.client.inner.B().Publish().Channel(topic).Message(string(payload)).Build()
	if err := s.client.inner.Do(ctx, cmd).Error(); err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// Subscribe returns a channel fed by a dedicated background goroutine that
// re-subscribes with doubling backoff (capped at maxBackoff) whenever the
// underlying Receive call returns, so the caller never observes a
// torn-down subscription.
func (s *Store) Subscribe(ctx context.Context, pattern string) (<-chan puzzle.KVMessage, error) {
	out := make(chan puzzle.KVMessage, 64)

	s.mu.Lock()
	s.subs[pattern] = append(s.subs[pattern], out)
	s.mu.Unlock()

	go s.runSubscription(ctx, pattern, out)

	return out, nil
}

func (s *Store) runSubscription(ctx context.Context, pattern string, out chan puzzle.KVMessage) {
	defer close(out)
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		subCmd := s.client.inner.B().Psubscribe().Pattern(pattern).Build()
		err := s.client.inner.Receive(ctx, subCmd, func(msg valkeylib.PubSubMessage) {
			select {
			case out <- puzzle.KVMessage{Topic: msg.Channel, Payload: []byte(msg.Message)}:
			default:
				logrus.Warnf("[KVSTORE] subscriber for %q is backed up, dropping message", pattern)
			}
		})

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logrus.Warnf("[KVSTORE] subscription to %q failed, retrying in %v: %v", pattern, backoff, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func formatSeconds(d time.Duration) string {
	secs := int64(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
