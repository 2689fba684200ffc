package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/memebattle/meme-generator/internal/domain/meme"
	"github.com/memebattle/meme-generator/internal/domain/retry"
	"github.com/memebattle/meme-generator/internal/infrastructure/metrics"
	"github.com/memebattle/meme-generator/internal/infrastructure/queue"
)

// Subjects names where outcomes are published.
type Subjects struct {
	Result string
	Error  string
}

// QueueResponder publishes results and failures as JSON on queue subjects.
type QueueResponder struct {
	publisher queue.Publisher
	subjects  Subjects
	policy    retry.Policy
	log       zerolog.Logger
	now       func() time.Time
}

// New creates a responder that retries publication according to policy.
func New(publisher queue.Publisher, subjects Subjects, policy retry.Policy, logger zerolog.Logger) *QueueResponder {
	return &QueueResponder{
		publisher: publisher,
		subjects:  subjects,
		policy:    policy,
		log:       logger.With().Str("component", "responder").Logger(),
		now:       time.Now,
	}
}

// PublishResult sends a successful generation to the result subject.
func (r *QueueResponder) PublishResult(ctx context.Context, result meme.Result) error {
	if err := r.publish(ctx, r.subjects.Result, result.RequestID, result); err != nil {
		metrics.RecordPublishError("result")
		return err
	}
	r.log.Info().Str("request_id", result.RequestID).Str("subject", r.subjects.Result).Msg("sent meme response")
	return nil
}

// PublishError sends a failure description to the error subject.
func (r *QueueResponder) PublishError(ctx context.Context, requestID, message string) error {
	failure := meme.Failure{
		RequestID: requestID,
		Error:     message,
		Timestamp: r.now().Unix(),
	}
	if err := r.publish(ctx, r.subjects.Error, requestID, failure); err != nil {
		metrics.RecordPublishError("error")
		return err
	}
	r.log.Info().Str("request_id", requestID).Str("subject", r.subjects.Error).Msg("sent error response")
	return nil
}

// publish retries transient failures under the policy. Errors the broker
// will reject again (see queue.IsRejected) stop the retries and come back
// marked with retry.Permanent.
func (r *QueueResponder) publish(ctx context.Context, subject, requestID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal response payload: %w", err))
	}

	attempts := 0
	err = retry.Do(ctx, r.policy, func(ctx context.Context, attempt int) error {
		attempts++
		if err := r.publisher.Publish(ctx, subject, body); err != nil {
			r.log.Warn().
				Err(err).
				Str("request_id", requestID).
				Str("subject", subject).
				Int("attempt", attempt+1).
				Int("max_attempts", r.policy.MaxRetries+1).
				Int("bytes", len(body)).
				Msg("response publish failed")
			if queue.IsRejected(err) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err == nil {
		return nil
	}

	err = fmt.Errorf("publish to %s after %d attempts: %w", subject, attempts, err)
	if queue.IsRejected(err) {
		return retry.Permanent(err)
	}
	return err
}
