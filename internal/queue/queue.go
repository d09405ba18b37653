// Package queue implements the ingestion queue on Redis lists.
//
// Producers LPUSH onto the primary list. Consumers atomically move the oldest
// payload from the primary list into a per-worker in-flight list, so a
// payload is never lost when a worker dies mid-batch: it stays in the
// in-flight list until a terminal outcome removes it, and Recover moves
// leftovers back on the next start.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_tracker/internal/config"
)

// ErrEmpty is returned by Dequeue when no payload arrived before the timeout.
var ErrEmpty = errors.New("queue empty")

// Error wraps a Redis failure with the queue operation that hit it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("queue %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Queue is a handle on the primary and dead-letter lists.
type Queue struct {
	client redis.UniversalClient
	names  config.QueueConfig
}

func New(client redis.UniversalClient, names config.QueueConfig) *Queue {
	return &Queue{client: client, names: names}
}

// Names returns the list keys in use.
func (q *Queue) Names() config.QueueConfig { return q.names }

// Enqueue pushes payloads onto the primary list in order.
func (q *Queue) Enqueue(ctx context.Context, payloads ...[]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	args := make([]any, len(payloads))
	for i, p := range payloads {
		args[i] = p
	}
	return wrap("enqueue", q.client.LPush(ctx, q.names.Primary, args...).Err())
}

// Len reports the primary and dead-letter list lengths.
func (q *Queue) Len(ctx context.Context) (primary, deadLetter int64, err error) {
	pipe := q.client.Pipeline()
	p := pipe.LLen(ctx, q.names.Primary)
	d := pipe.LLen(ctx, q.names.DeadLetter)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, wrap("len", err)
	}
	return p.Val(), d.Val(), nil
}

// DeadLetters returns the dead-letter payloads oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([][]byte, error) {
	vals, err := q.client.LRange(ctx, q.names.DeadLetter, 0, -1).Result()
	if err != nil {
		return nil, wrap("read dead letters", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[len(vals)-1-i] = []byte(v)
	}
	return out, nil
}

// TrimDeadLetters removes the n oldest dead-letter payloads, leaving anything
// pushed after they were read.
func (q *Queue) TrimDeadLetters(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	return wrap("trim dead letters", q.client.LTrim(ctx, q.names.DeadLetter, 0, int64(-n-1)).Err())
}

// Delivery is a payload held in a consumer's in-flight list.
type Delivery struct {
	Body []byte
}

// Consumer dequeues into its own in-flight list.
type Consumer struct {
	q          *Queue
	worker     string
	processing string
}

// Consumer returns the consumer for worker. Two live processes must not share
// a worker name.
func (q *Queue) Consumer(worker string) *Consumer {
	return &Consumer{
		q:          q,
		worker:     worker,
		processing: q.names.ProcessingPrefix + ":" + worker,
	}
}

func (c *Consumer) Worker() string { return c.worker }

// ProcessingKey is the in-flight list key for this consumer.
func (c *Consumer) ProcessingKey() string { return c.processing }

// Recover moves every payload left in the in-flight list back to the consume
// end of the primary list, oldest nearest the head.
func (c *Consumer) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := c.q.client.LMove(ctx, c.processing, c.q.names.Primary, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, wrap("recover", err)
		}
		moved++
	}
}

// Dequeue blocks up to timeout for the first payload, then takes up to max-1
// more without blocking. It returns ErrEmpty when nothing arrived.
func (c *Consumer) Dequeue(ctx context.Context, max int, timeout time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	first, err := c.q.client.BLMove(ctx, c.q.names.Primary, c.processing, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, wrap("dequeue", err)
	}

	batch := make([]Delivery, 0, max)
	batch = append(batch, Delivery{Body: []byte(first)})
	for len(batch) < max {
		next, err := c.q.client.LMove(ctx, c.q.names.Primary, c.processing, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			// Already-moved payloads stay in flight and are handled by the caller.
			return batch, wrap("dequeue", err)
		}
		batch = append(batch, Delivery{Body: []byte(next)})
	}
	return batch, nil
}

// Ack drops a delivery whose outcome is durably stored.
func (c *Consumer) Ack(ctx context.Context, d Delivery) error {
	return wrap("ack", c.q.client.LRem(ctx, c.processing, 1, d.Body).Err())
}

// Requeue replaces a delivery with an updated payload at the tail of the
// primary list.
func (c *Consumer) Requeue(ctx context.Context, d Delivery, payload []byte) error {
	_, err := c.q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, c.q.names.Primary, payload)
		pipe.LRem(ctx, c.processing, 1, d.Body)
		return nil
	})
	return wrap("requeue", err)
}

// DeadLetter moves a delivery to the dead-letter list as payload.
func (c *Consumer) DeadLetter(ctx context.Context, d Delivery, payload []byte) error {
	_, err := c.q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, c.q.names.DeadLetter, payload)
		pipe.LRem(ctx, c.processing, 1, d.Body)
		return nil
	})
	return wrap("dead letter", err)
}

// Release returns deliveries unchanged to the consume end of the primary list
// so they are retried first, preserving their order.
func (c *Consumer) Release(ctx context.Context, ds ...Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	_, err := c.q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := len(ds) - 1; i >= 0; i-- {
			pipe.RPush(ctx, c.q.names.Primary, ds[i].Body)
			pipe.LRem(ctx, c.processing, 1, ds[i].Body)
		}
		return nil
	})
	return wrap("release", err)
}

// InFlight reports how many payloads this consumer holds.
func (c *Consumer) InFlight(ctx context.Context) (int64, error) {
	n, err := c.q.client.LLen(ctx, c.processing).Result()
	return n, wrap("in flight", err)
}
