package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TypeVerifyRequest identifies a re-verification notification for the
// worker to deliver to the student's device.
const TypeVerifyRequest = "verify.request"

// Message is one unit of deferred work. Body is an opaque JSON payload
// interpreted by Type.
type Message struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// VerifyRequestBody is the payload of a TypeVerifyRequest message.
type VerifyRequestBody struct {
	SessionID string `json:"session_id"`
	StudentID string `json:"student_id"`
	TeacherID string `json:"teacher_id"`
}

// NewVerifyRequest builds a verify.request message.
func NewVerifyRequest(body VerifyRequestBody) (Message, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeVerifyRequest, Body: b}, nil
}

// DecodeVerifyRequest parses a verify.request payload.
func DecodeVerifyRequest(msg Message) (VerifyRequestBody, error) {
	var body VerifyRequestBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return VerifyRequestBody{}, fmt.Errorf("queue: decode %s: %w", msg.Type, err)
	}
	return body, nil
}

// Queue moves messages from the API process to the worker.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// Memory is a channel-backed queue for development and tests. Messages
// do not survive a restart and are not visible to other processes.
type Memory struct {
	ch chan Message
}

// NewMemory creates a bounded in-memory queue.
func NewMemory(size int) *Memory {
	return &Memory{ch: make(chan Message, size)}
}

// Publish blocks while the buffer is full.
func (q *Memory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel that closes when ctx is cancelled.
func (q *Memory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Redis is a queue backed by a Redis list, LPUSH on the producer side
// and BRPOP on the consumer side. Entries are JSON-encoded Messages.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis builds a Redis-list queue under the given key.
func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = "classtrack:queue"
	}
	return &Redis{client: client, key: key}
}

// Publish enqueues a message.
func (q *Redis) Publish(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: encode %s: %w", msg.Type, err)
	}
	return q.client.LPush(ctx, q.key, b).Err()
}

// Consume streams messages until ctx is cancelled. Entries that fail to
// decode are dropped.
func (q *Redis) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
