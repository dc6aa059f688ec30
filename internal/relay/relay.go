// Package relay implements the ephemeral ciphertext relay (spec §4.9 ECR):
// per-recipient FIFO queues of opaque envelope bytes with a TTL, backed by
// Redis. The relay never inspects ciphertext; it only moves bytes and fires a
// push notification on insert. Grounded in the teacher's
// internal/pubsub/redis.go connection/registry pattern and
// internal/queue/message_queue.go's Redis Streams-style enqueue/consume.
package relay

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	e2eerrors "github.com/efsecnet/efsec/internal/errors"
)

// Kind classifies an envelope for TTL purposes (spec §3 EphemeralEnvelope).
type Kind string

const (
	KindDM       Kind = "dm"
	KindGroup    Kind = "group"
	KindKeyDist  Kind = "key_dist"
)

// DefaultTTL returns the spec §4.9 default retention window for a kind.
func DefaultTTL(k Kind) time.Duration {
	switch k {
	case KindKeyDist:
		return 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// Envelope is an opaque ciphertext blob queued for a recipient.
type Envelope struct {
	ID        string
	Sender    string
	Recipient string
	Kind      Kind
	Body      []byte
	CreatedAt time.Time
}

// Relay wraps a Redis client providing per-recipient FIFO delivery.
type Relay struct {
	client *redis.Client
}

// NewRelay wraps an already-configured Redis client.
func NewRelay(client *redis.Client) *Relay {
	return &Relay{client: client}
}

// Open connects to Redis at addr, with an optional password (mirrors the
// teacher's NewRedisClient reading REDIS_PASSWORD).
func Open(ctx context.Context, addr, password string) (*Relay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.TransportRefused, err, "ping relay redis")
	}
	return &Relay{client: client}, nil
}

// Close releases the Redis connection.
func (r *Relay) Close() error { return r.client.Close() }

// Ping reports whether the backing Redis connection is reachable, for use
// in readiness checks gating cluster membership (e.g. Consul health checks).
func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func inboxKey(recipient string) string   { return "e2ee:inbox:" + recipient }
func envelopeKey(id string) string       { return "e2ee:envelope:" + id }
func pushChannel(recipient string) string { return "e2ee:push:" + recipient }

// Put enqueues an envelope for recipient, setting its TTL by kind and firing
// a push notification carrying the new envelope id.
func (r *Relay) Put(ctx context.Context, sender, recipient string, kind Kind, body []byte) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	ttl := DefaultTTL(kind)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, envelopeKey(id), map[string]interface{}{
		"id":         id,
		"sender":     sender,
		"recipient":  recipient,
		"kind":       string(kind),
		"body":       body,
		"created_at": now.UnixNano(),
	})
	pipe.Expire(ctx, envelopeKey(id), ttl)
	pipe.ZAdd(ctx, inboxKey(recipient), redis.Z{Score: float64(now.UnixNano()), Member: id})
	pipe.Expire(ctx, inboxKey(recipient), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", e2eerrors.Wrap(e2eerrors.TransportRefused, err, "enqueue envelope")
	}

	if err := r.client.Publish(ctx, pushChannel(recipient), id).Err(); err != nil {
		return id, e2eerrors.Wrap(e2eerrors.TransportRefused, err, "publish push notification")
	}
	return id, nil
}

// List returns envelopes queued for recipient with a creation time strictly
// after since (pass the zero Time to fetch everything still in the queue).
// Ids whose backing hash already expired are silently skipped and pruned
// from the index — TTL eviction, not a delivery failure.
func (r *Relay) List(ctx context.Context, recipient string, since time.Time) ([]Envelope, error) {
	min := "0"
	if !since.IsZero() {
		min = "(" + strconv.FormatInt(since.UnixNano(), 10)
	}
	ids, err := r.client.ZRangeByScore(ctx, inboxKey(recipient), &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.TransportRefused, err, "list inbox")
	}

	envs := make([]Envelope, 0, len(ids))
	for _, id := range ids {
		fields, err := r.client.HGetAll(ctx, envelopeKey(id)).Result()
		if err != nil {
			return nil, e2eerrors.Wrap(e2eerrors.TransportRefused, err, "load envelope")
		}
		if len(fields) == 0 {
			r.client.ZRem(ctx, inboxKey(recipient), id)
			continue
		}
		createdNanos, _ := strconv.ParseInt(fields["created_at"], 10, 64)
		envs = append(envs, Envelope{
			ID:        fields["id"],
			Sender:    fields["sender"],
			Recipient: fields["recipient"],
			Kind:      Kind(fields["kind"]),
			Body:      []byte(fields["body"]),
			CreatedAt: time.Unix(0, createdNanos),
		})
	}
	return envs, nil
}

// Ack removes an envelope from recipient's unread set once the client has
// durably processed it. Delivery is at-least-once: a crash between List and
// Ack simply redelivers the same envelope on the next List.
func (r *Relay) Ack(ctx context.Context, recipient, id string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, inboxKey(recipient), id)
	pipe.Del(ctx, envelopeKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return e2eerrors.Wrap(e2eerrors.TransportRefused, err, "ack envelope")
	}
	return nil
}

// Subscribe opens a push-notification stream of envelope ids newly queued
// for recipient. The caller should still call List to catch up on anything
// enqueued before the subscription was established.
func (r *Relay) Subscribe(ctx context.Context, recipient string) (<-chan string, func() error) {
	sub := r.client.Subscribe(ctx, pushChannel(recipient))
	out := make(chan string, 16)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for msg := range ch {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close
}
