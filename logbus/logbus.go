/*
Package logbus is the per-deployment log stream. Workers append JSON
events to a Redis list keyed by deployment id; the control plane tails the
list by offset and relays events to SSE clients. The list doubles as
catch-up storage, so a client that connects late still sees every event.
*/
package logbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/portside-dev/portside/models"
)

// EventType classifies a log bus event.
type EventType string

const (
	// EventInfo is a pipeline progress message.
	EventInfo EventType = "info"

	// EventLog is raw build/container output.
	EventLog EventType = "log"

	// EventSuccess marks a completed pipeline stage.
	EventSuccess EventType = "success"

	// EventError is a non-terminal error message.
	EventError EventType = "error"

	// EventDone terminates the stream. Exactly one done event ends every
	// deployment's stream; nothing is appended after it.
	EventDone EventType = "done"
)

// Event is one record on a deployment's log stream.
type Event struct {
	Type    EventType `json:"type"`
	Message string    `json:"message,omitempty"`

	// Success and the fields below are only set on done events.
	Success    *bool              `json:"success,omitempty"`
	Deployment *models.Deployment `json:"deployment,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// streamTTL keeps a stream readable for an hour after its last write, long
// enough for late or reconnecting clients to catch up.
const streamTTL = time.Hour

// Bus appends and reads deployment log streams.
type Bus struct {
	rdb *redis.Client
}

// New returns a Bus backed by the given Redis client.
func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

func streamKey(deploymentID string) string {
	return "logs:" + deploymentID
}

// Ping verifies Redis connectivity.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Publish appends one event to the deployment's stream and refreshes the
// stream TTL.
func (b *Bus) Publish(ctx context.Context, deploymentID string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}

	key := streamKey(deploymentID)
	if err := b.rdb.RPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("append log event: %w", err)
	}
	return b.rdb.Expire(ctx, key, streamTTL).Err()
}

// Append publishes a plain message event of the given type. Publish
// failures are deliberately swallowed: a dead log stream must never fail
// a deployment.
func (b *Bus) Append(ctx context.Context, deploymentID string, eventType EventType, message string) {
	_ = b.Publish(ctx, deploymentID, Event{Type: eventType, Message: message})
}

// Done publishes the terminal event. On success the updated deployment
// record rides along; on failure errMsg carries the cause.
func (b *Bus) Done(ctx context.Context, deploymentID string, success bool, deployment *models.Deployment, errMsg string) {
	_ = b.Publish(ctx, deploymentID, Event{
		Type:       EventDone,
		Success:    &success,
		Deployment: deployment,
		Error:      errMsg,
	})
}

// Read returns the raw JSON records in [offset, end). An expired or
// never-written stream reads as empty.
func (b *Bus) Read(ctx context.Context, deploymentID string, offset int64) ([]string, error) {
	records, err := b.rdb.LRange(ctx, streamKey(deploymentID), offset, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read log stream: %w", err)
	}
	return records, nil
}

// Messages concatenates the message field of every event currently on the
// stream, one per line. This is the plain-text surface served while a
// deployment is still building and its container cannot be asked for logs.
func (b *Bus) Messages(ctx context.Context, deploymentID string) (string, error) {
	records, err := b.Read(ctx, deploymentID, 0)
	if err != nil {
		return "", err
	}

	var out []byte
	for _, record := range records {
		var event Event
		if err := json.Unmarshal([]byte(record), &event); err != nil {
			continue
		}
		if event.Message == "" {
			continue
		}
		out = append(out, event.Message...)
		out = append(out, '\n')
	}
	return string(out), nil
}

// IsDone reports whether the raw record is a terminal done event.
func IsDone(record string) bool {
	var event Event
	if err := json.Unmarshal([]byte(record), &event); err != nil {
		return false
	}
	return event.Type == EventDone
}
