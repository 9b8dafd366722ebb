// Package resultsbus implements the Redis "channel:results" pub/sub
// channel: job handlers publish terminal Result and Archive messages, and
// a singleton Receiver applies them to durable state (row status updates,
// locally-pulled output tarballs).
package resultsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aixcc-finals/capi-scoring/pkg/artifact"
	"github.com/aixcc-finals/capi-scoring/pkg/log"
	"github.com/aixcc-finals/capi-scoring/pkg/metrics"
	"github.com/aixcc-finals/capi-scoring/pkg/types"
	"github.com/redis/go-redis/v9"
)

// ChannelResults is the Redis pub/sub channel carrying OutputMessages.
const ChannelResults = "channel:results"

// MessageType discriminates the two OutputMessage payload kinds.
type MessageType string

const (
	MessageTypeResult  MessageType = "RESULT"
	MessageTypeArchive MessageType = "ARCHIVE"
)

// ResultType names which table a Result message updates.
type ResultType string

const (
	ResultTypeVDS ResultType = "VDS"
	ResultTypeGP  ResultType = "GP"
)

// Result is a terminal verdict update for one VDS or GP row.
type Result struct {
	ResultType     ResultType             `json:"result_type"`
	RowID          string                 `json:"row_id"`
	FeedbackStatus types.SubmissionStatus `json:"feedback_status"`
	CPVUUID        string                 `json:"cpv_uuid,omitempty"`
}

// Archive points at a CP-output tarball already uploaded to the artifact
// store's remote backing, for the receiver to pull locally.
type Archive struct {
	RemoteContainer string `json:"remote_container"`
	Filename        string `json:"filename"`
	SHA256          string `json:"sha256"`
}

// OutputMessage is the envelope published on ChannelResults.
type OutputMessage struct {
	MessageType MessageType     `json:"message_type"`
	Content     json.RawMessage `json:"content"`
}

// Publisher publishes Result/Archive messages for job handlers.
type Publisher struct {
	client *redis.Client
}

// NewPublisher wraps an existing Redis client.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// PublishResult publishes a terminal Result message. Every VDS/GP job
// that reaches a verdict publishes exactly one of these.
func (p *Publisher) PublishResult(ctx context.Context, r Result) error {
	return p.publish(ctx, MessageTypeResult, r)
}

// PublishArchive publishes a pointer to an uploaded CP-output tarball.
func (p *Publisher) PublishArchive(ctx context.Context, a Archive) error {
	return p.publish(ctx, MessageTypeArchive, a)
}

func (p *Publisher) publish(ctx context.Context, kind MessageType, content any) error {
	payload, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("resultsbus: marshal %s content: %w", kind, err)
	}
	env := OutputMessage{MessageType: kind, Content: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("resultsbus: marshal envelope: %w", err)
	}
	return p.client.Publish(ctx, ChannelResults, data).Err()
}

// RowStore is the subset of pkg/store.Store the Receiver needs to apply
// Result messages.
type RowStore interface {
	UpdateVDSStatus(ctx context.Context, id string, status types.SubmissionStatus, cpvUUID string) error
	UpdateGPStatus(ctx context.Context, id string, status types.SubmissionStatus) error
}

// Receiver subscribes to ChannelResults and applies every message: Result
// messages update a row's status (and cpv_uuid, for an accepted VDS);
// Archive messages download the tarball into flatfileDir/output. Safe to
// run as multiple concurrent instances since both operations are
// idempotent for a given terminal value.
type Receiver struct {
	client      *redis.Client
	store       RowStore
	artifacts   artifact.Store
	flatfileDir string
}

// NewReceiver builds a Receiver that applies messages via store and pulls
// archived tarballs from artifacts into flatfileDir/output.
func NewReceiver(client *redis.Client, store RowStore, artifacts artifact.Store, flatfileDir string) *Receiver {
	return &Receiver{client: client, store: store, artifacts: artifacts, flatfileDir: flatfileDir}
}

// Run subscribes and blocks until ctx is cancelled.
func (r *Receiver) Run(ctx context.Context) error {
	logger := log.WithComponent("results-receiver")
	pubsub := r.client.Subscribe(ctx, ChannelResults)
	defer pubsub.Close()

	logger.Info().Msg("results receiver started")
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("results receiver stopped")
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			timer := metrics.NewTimer()
			if err := r.apply(ctx, []byte(msg.Payload)); err != nil {
				logger.Error().Err(err).Msg("failed to apply results message")
			}
			timer.ObserveDuration(metrics.ReconciliationDuration)
			metrics.ReconciliationCyclesTotal.Inc()
		}
	}
}

func (r *Receiver) apply(ctx context.Context, payload []byte) error {
	var env OutputMessage
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode output message: %w", err)
	}

	switch env.MessageType {
	case MessageTypeResult:
		var res Result
		if err := json.Unmarshal(env.Content, &res); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		return r.applyResult(ctx, res)
	case MessageTypeArchive:
		var arc Archive
		if err := json.Unmarshal(env.Content, &arc); err != nil {
			return fmt.Errorf("decode archive: %w", err)
		}
		return r.applyArchive(ctx, arc)
	default:
		return fmt.Errorf("unknown message type %q", env.MessageType)
	}
}

func (r *Receiver) applyResult(ctx context.Context, res Result) error {
	switch res.ResultType {
	case ResultTypeVDS:
		return r.store.UpdateVDSStatus(ctx, res.RowID, res.FeedbackStatus, res.CPVUUID)
	case ResultTypeGP:
		return r.store.UpdateGPStatus(ctx, res.RowID, res.FeedbackStatus)
	default:
		return fmt.Errorf("unknown result type %q", res.ResultType)
	}
}

func (r *Receiver) applyArchive(ctx context.Context, arc Archive) error {
	content, err := r.artifacts.Get(ctx, arc.SHA256)
	if err != nil {
		return fmt.Errorf("fetch archived tarball %s: %w", arc.SHA256, err)
	}

	outDir := filepath.Join(r.flatfileDir, "output")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	dest := uniqueDestination(outDir, arc.Filename)
	if err := os.WriteFile(dest, content, 0o644); err != nil {
		return fmt.Errorf("write archived tarball %s: %w", dest, err)
	}
	return nil
}

// uniqueDestination disambiguates filename collisions in dir by appending
// "_copy1", "_copy2", ... before the (possibly multi-part, e.g. .tar.xz)
// extension.
func uniqueDestination(dir, filename string) string {
	path := filepath.Join(dir, filename)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(filename)
	base := filename[:len(filename)-len(ext)]
	if e2 := filepath.Ext(base); e2 != "" {
		ext = e2 + ext
		base = base[:len(base)-len(e2)]
	}

	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_copy%d%s", base, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
