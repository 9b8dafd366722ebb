// Package audit implements the append-only audit trail: a structured JSON
// event envelope, emitted either directly to a local file (in-process mode)
// or published on the Redis "channel:audit" channel for a singleton
// receiver to fold into that same file, so the audit trail survives the
// worker process that emitted it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aixcc-finals/capi-scoring/pkg/log"
	"github.com/redis/go-redis/v9"
)

// ChannelAudit is the Redis pub/sub channel carrying audit envelopes.
const ChannelAudit = "channel:audit"

// SchemaVersion is stamped on every emitted envelope.
const SchemaVersion = "1.0.0"

// Envelope wraps one audit event with routing/identity context.
type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	TeamID        string          `json:"team_id,omitempty"`
	RunID         string          `json:"run_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	EventType     EventType       `json:"event_type"`
	Event         json.RawMessage `json:"event"`
}

// Context carries the fields merged into every envelope emitted through an
// Emitter built from it: team/cp identity as it becomes known during a job.
type Context struct {
	TeamID  string
	RunID   string
	CPName  string
	VDUUID  string
	GPUUID  string
	CPVUUID string
}

// Sink accepts a fully-built envelope for delivery.
type Sink interface {
	Send(ctx context.Context, env Envelope) error
}

// Emitter is the per-job handle used by the VDS/GP job handlers to record
// audit events; it merges its fixed Context into every event.
type Emitter struct {
	sink Sink
	ctx  Context
}

// NewEmitter builds an Emitter bound to sink and jobCtx.
func NewEmitter(sink Sink, jobCtx Context) *Emitter {
	return &Emitter{sink: sink, ctx: jobCtx}
}

// Emit validates ev against its event type's schema, merges the running
// job context into its payload, and sends the resulting envelope through
// the bound sink. Validation and marshal failures are logged (never
// returned) because an audit emission must never fail a scoring job.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	logger := log.WithComponent("audit")

	if err := ev.Validate(); err != nil {
		logger.Error().Err(err).Str("event_type", string(ev.Type())).Msg("dropping invalid audit event")
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		logger.Error().Err(err).Str("event_type", string(ev.Type())).Msg("failed to marshal audit event")
		return
	}
	var merged map[string]any
	if err := json.Unmarshal(body, &merged); err != nil {
		logger.Error().Err(err).Str("event_type", string(ev.Type())).Msg("failed to remarshal audit event")
		return
	}

	// Context fields never override what the event itself carries.
	for key, value := range map[string]string{
		"cp_name":  e.ctx.CPName,
		"vd_uuid":  e.ctx.VDUUID,
		"gp_uuid":  e.ctx.GPUUID,
		"cpv_uuid": e.ctx.CPVUUID,
	} {
		if value == "" {
			continue
		}
		if _, ok := merged[key]; !ok {
			merged[key] = value
		}
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		logger.Error().Err(err).Str("event_type", string(ev.Type())).Msg("failed to marshal audit event")
		return
	}

	env := Envelope{
		SchemaVersion: SchemaVersion,
		TeamID:        e.ctx.TeamID,
		RunID:         e.ctx.RunID,
		Timestamp:     time.Now().UTC(),
		EventType:     ev.Type(),
		Event:         payload,
	}

	if err := e.sink.Send(ctx, env); err != nil {
		logger.Error().Err(err).Str("event_type", string(ev.Type())).Msg("failed to send audit event")
	}
}

// SetCPVUUID backfills the cpv_uuid context field once it becomes known
// (e.g. after a VDS is accepted mid-job).
func (e *Emitter) SetCPVUUID(cpvUUID string) {
	e.ctx.CPVUUID = cpvUUID
}

// FileSink appends every envelope as one JSON line to a local file. Used
// directly in single-binary/in-process mode, and by the Audit Receiver to
// persist envelopes consumed off Redis.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink opens (creating if needed) the audit log file at path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	_ = f.Close()
	return &FileSink{path: path}, nil
}

func (s *FileSink) Send(_ context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log %s: %w", s.path, err)
	}
	defer f.Close()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// RedisSink publishes every envelope on ChannelAudit for the Audit Receiver
// to fold into the local log file. Used by worker processes, which do not
// hold the shared audit log file themselves.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink wraps an existing Redis client.
func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return s.client.Publish(ctx, ChannelAudit, data).Err()
}

// Receiver subscribes to ChannelAudit and appends every received envelope
// to a FileSink, merging worker-emitted audit events into the single
// operator-facing log file.
type Receiver struct {
	client *redis.Client
	sink   *FileSink
}

// NewReceiver builds a Receiver that folds ChannelAudit messages into sink.
func NewReceiver(client *redis.Client, sink *FileSink) *Receiver {
	return &Receiver{client: client, sink: sink}
}

// Run subscribes and blocks until ctx is cancelled.
func (r *Receiver) Run(ctx context.Context) error {
	logger := log.WithComponent("audit-receiver")
	pubsub := r.client.Subscribe(ctx, ChannelAudit)
	defer pubsub.Close()

	logger.Info().Msg("audit receiver started")
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("audit receiver stopped")
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Error().Err(err).Msg("failed to decode audit envelope")
				continue
			}
			if err := r.sink.Send(ctx, env); err != nil {
				logger.Error().Err(err).Msg("failed to persist audit envelope")
			}
		}
	}
}
