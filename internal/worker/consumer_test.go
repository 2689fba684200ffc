package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memebattle/meme-generator/internal/domain/meme"
	"github.com/memebattle/meme-generator/internal/domain/retry"
	"github.com/memebattle/meme-generator/internal/infrastructure/inference"
	"github.com/memebattle/meme-generator/internal/infrastructure/metrics"
	"github.com/memebattle/meme-generator/internal/infrastructure/queue"
	"github.com/memebattle/meme-generator/internal/responder"
)

type fakeMessage struct {
	data      []byte
	delivered uint64
	acks      atomic.Int32
	naks      atomic.Int32
	settled   chan struct{}
	once      sync.Once
}

func newMessage(payload string) *fakeMessage {
	return &fakeMessage{data: []byte(payload), delivered: 1, settled: make(chan struct{})}
}

func (m *fakeMessage) Data() []byte         { return m.data }
func (m *fakeMessage) Subject() string      { return "meme.request.new" }
func (m *fakeMessage) NumDelivered() uint64 { return m.delivered }

func (m *fakeMessage) Ack() error {
	m.acks.Add(1)
	m.once.Do(func() { close(m.settled) })
	return nil
}

func (m *fakeMessage) NakWithDelay(time.Duration) error {
	m.naks.Add(1)
	m.once.Do(func() { close(m.settled) })
	return nil
}

func (m *fakeMessage) wait(t *testing.T) {
	t.Helper()
	select {
	case <-m.settled:
	case <-time.After(5 * time.Second):
		t.Fatal("message never acked or nacked")
	}
}

type fakeSubscription struct {
	msgs     chan queue.Message
	stopped  chan struct{}
	stopOnce sync.Once
}

func newSubscription() *fakeSubscription {
	return &fakeSubscription{msgs: make(chan queue.Message, 64), stopped: make(chan struct{})}
}

func (s *fakeSubscription) Next() (queue.Message, error) {
	select {
	case msg := <-s.msgs:
		return msg, nil
	case <-s.stopped:
		return nil, queue.ErrSubscriptionClosed
	}
}

func (s *fakeSubscription) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

type processorFunc func(ctx context.Context, req meme.Request, delivery meme.Delivery) (meme.Outcome, error)

func (f processorFunc) Process(ctx context.Context, req meme.Request, delivery meme.Delivery) (meme.Outcome, error) {
	return f(ctx, req, delivery)
}

var testConfig = Config{
	Concurrency:       4,
	ProcessingTimeout: 5 * time.Second,
	NakDelay:          time.Second,
	ShutdownTimeout:   5 * time.Second,
	MaxDeliver:        3,
}

func runConsumer(t *testing.T, sub *fakeSubscription, proc RequestProcessor, cfg Config) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := NewConsumer(sub, proc, cfg, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestConsumer_MalformedMessageAckedWithoutProcessing(t *testing.T) {
	var calls atomic.Int32
	proc := processorFunc(func(ctx context.Context, req meme.Request, _ meme.Delivery) (meme.Outcome, error) {
		calls.Add(1)
		return meme.OutcomeGenerated, nil
	})

	before := testutil.ToFloat64(metrics.MalformedTotal)
	sub := newSubscription()
	cancel, done := runConsumer(t, sub, proc, testConfig)

	msg := newMessage(`{not json`)
	sub.msgs <- msg
	msg.wait(t)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), msg.acks.Load())
	assert.Equal(t, int32(0), msg.naks.Load())
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.MalformedTotal))
}

func TestConsumer_ConcurrentRequestsEachPublishOwnResult(t *testing.T) {
	const n = 12
	var active, peak atomic.Int32

	gen := generatorFunc(func(ctx context.Context, params inference.GenerateParams) ([]byte, error) {
		cur := active.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return []byte("img"), nil
	})

	pub := &capturePublisher{}
	sub := newSubscription()
	cancel, done := runConsumer(t, sub, newTestProcessor(gen, pub, retry.NoRetry()), testConfig)

	msgs := make([]*fakeMessage, n)
	want := make([]string, n)
	for i := range msgs {
		want[i] = fmt.Sprintf("req-%d", i)
		msgs[i] = newMessage(fmt.Sprintf(`{"id":"req-%d","prompt":"prompt %d"}`, i, i))
		sub.msgs <- msgs[i]
	}
	for _, m := range msgs {
		m.wait(t)
	}
	cancel()
	require.NoError(t, <-done)

	results := pub.messages("meme.response")
	require.Len(t, results, n)
	got := make([]string, 0, n)
	for _, data := range results {
		var result meme.Result
		require.NoError(t, json.Unmarshal(data, &result))
		got = append(got, result.RequestID)
	}
	assert.ElementsMatch(t, want, got)
	assert.Empty(t, pub.messages("meme.response.error"))

	assert.LessOrEqual(t, peak.Load(), int32(testConfig.Concurrency))
	for _, m := range msgs {
		assert.Equal(t, int32(1), m.acks.Load())
	}
}

func TestConsumer_PublishFailureNaks(t *testing.T) {
	var seen meme.Delivery
	proc := processorFunc(func(ctx context.Context, req meme.Request, delivery meme.Delivery) (meme.Outcome, error) {
		seen = delivery
		return meme.OutcomeGenerated, fmt.Errorf("%w: nats down", meme.ErrPublish)
	})

	sub := newSubscription()
	cancel, done := runConsumer(t, sub, proc, testConfig)

	msg := newMessage(`{"prompt":"x"}`)
	sub.msgs <- msg
	msg.wait(t)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(0), msg.acks.Load())
	assert.Equal(t, int32(1), msg.naks.Load())
	assert.Equal(t, meme.Delivery{Attempt: 1, MaxAttempts: 3}, seen)
}

func TestConsumer_PublishFailureOnFinalDeliveryAcks(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, req meme.Request, _ meme.Delivery) (meme.Outcome, error) {
		return meme.OutcomeFailed, fmt.Errorf("%w: nats down", meme.ErrPublish)
	})

	sub := newSubscription()
	cancel, done := runConsumer(t, sub, proc, testConfig)

	msg := newMessage(`{"prompt":"x"}`)
	msg.delivered = 3
	sub.msgs <- msg
	msg.wait(t)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), msg.acks.Load())
	assert.Equal(t, int32(0), msg.naks.Load())
}

func TestConsumer_ProcessingFailureStillAcks(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, req meme.Request, _ meme.Delivery) (meme.Outcome, error) {
		return meme.OutcomeFailed, errors.New("backend down")
	})

	sub := newSubscription()
	cancel, done := runConsumer(t, sub, proc, testConfig)

	msg := newMessage(`{"prompt":"x"}`)
	sub.msgs <- msg
	msg.wait(t)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), msg.acks.Load())
}

func TestConsumer_PanicIsContained(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, req meme.Request, _ meme.Delivery) (meme.Outcome, error) {
		if req.Prompt == "explode" {
			panic("boom")
		}
		return meme.OutcomeGenerated, nil
	})

	sub := newSubscription()
	cancel, done := runConsumer(t, sub, proc, testConfig)

	bad := newMessage(`{"prompt":"explode"}`)
	good := newMessage(`{"prompt":"fine"}`)
	sub.msgs <- bad
	sub.msgs <- good
	bad.wait(t)
	good.wait(t)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), bad.naks.Load())
	assert.Equal(t, int32(1), good.acks.Load())
}

func TestConsumer_ShutdownWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	proc := processorFunc(func(ctx context.Context, req meme.Request, _ meme.Delivery) (meme.Outcome, error) {
		close(started)
		<-release
		return meme.OutcomeGenerated, ctx.Err()
	})

	sub := newSubscription()
	cancel, done := runConsumer(t, sub, proc, testConfig)

	msg := newMessage(`{"prompt":"slow"}`)
	sub.msgs <- msg
	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned before in-flight request finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), msg.acks.Load(), "task context survives shutdown")
}

func TestConsumer_ClosedSubscriptionIsTerminal(t *testing.T) {
	sub := newSubscription()
	_, done := runConsumer(t, sub, processorFunc(func(ctx context.Context, req meme.Request, _ meme.Delivery) (meme.Outcome, error) {
		return meme.OutcomeGenerated, nil
	}), testConfig)

	sub.Stop()
	err := <-done
	assert.ErrorIs(t, err, queue.ErrSubscriptionClosed)
}

type capturePublisher struct {
	mu       sync.Mutex
	sent     map[string][][]byte
	attempts map[string]int
	reject   map[string]error
}

func (p *capturePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attempts == nil {
		p.attempts = map[string]int{}
	}
	p.attempts[subject]++
	if err := p.reject[subject]; err != nil {
		return err
	}
	if p.sent == nil {
		p.sent = map[string][][]byte{}
	}
	p.sent[subject] = append(p.sent[subject], data)
	return nil
}

func (p *capturePublisher) messages(subject string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[subject]
}

type generatorFunc func(ctx context.Context, params inference.GenerateParams) ([]byte, error)

func (f generatorFunc) Generate(ctx context.Context, params inference.GenerateParams) ([]byte, error) {
	return f(ctx, params)
}

func newTestProcessor(gen meme.Generator, pub queue.Publisher, policy retry.Policy) *meme.Processor {
	resp := responder.New(pub, responder.Subjects{Result: "meme.response", Error: "meme.response.error"}, policy, zerolog.Nop())
	return meme.NewProcessor(noCache{}, gen, resp, nil, meme.ProcessorConfig{
		CacheTTL:          time.Hour,
		GenerationTimeout: time.Second,
		Models:            meme.ModelPolicy{QualityModel: "q", FastModel: "f"},
	}, nil, zerolog.Nop())
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, inference.GenerateParams) ([]byte, error) {
	return nil, &inference.APIError{StatusCode: 500, Body: "internal error"}
}

type noCache struct{}

func (noCache) Get(context.Context, string) (string, bool, error)               { return "", false, nil }
func (noCache) SetWithTTL(context.Context, string, string, time.Duration) error { return nil }

func TestConsumer_BackendErrorPublishesFailureAndAcks(t *testing.T) {
	pub := &capturePublisher{}
	proc := newTestProcessor(failingGenerator{}, pub, retry.NoRetry())

	sub := newSubscription()
	cancel, done := runConsumer(t, sub, proc, testConfig)

	msg := newMessage(`{"id":"req-500","prompt":"doomed"}`)
	sub.msgs <- msg
	msg.wait(t)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), msg.acks.Load())
	assert.Empty(t, pub.sent["meme.response"])
	require.Len(t, pub.sent["meme.response.error"], 1)

	var failure meme.Failure
	require.NoError(t, json.Unmarshal(pub.sent["meme.response.error"][0], &failure))
	assert.Equal(t, "req-500", failure.RequestID)
	assert.Equal(t, "Hugging Face API error (500): internal error", failure.Error)
}

func TestConsumer_OversizedResultPublishesFailureAndAcks(t *testing.T) {
	pub := &capturePublisher{reject: map[string]error{
		"meme.response": fmt.Errorf("publish to meme.response: %w", nats.ErrMaxPayload),
	}}
	gen := generatorFunc(func(context.Context, inference.GenerateParams) ([]byte, error) {
		return []byte("a very large png"), nil
	})
	proc := newTestProcessor(gen, pub, retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond})

	sub := newSubscription()
	cancel, done := runConsumer(t, sub, proc, testConfig)

	msg := newMessage(`{"id":"req-big","prompt":"too big"}`)
	sub.msgs <- msg
	msg.wait(t)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), msg.acks.Load())
	assert.Equal(t, int32(0), msg.naks.Load())
	assert.Equal(t, 1, pub.attempts["meme.response"], "rejected payloads are not retried")
	assert.Empty(t, pub.messages("meme.response"))

	failures := pub.messages("meme.response.error")
	require.Len(t, failures, 1)
	var failure meme.Failure
	require.NoError(t, json.Unmarshal(failures[0], &failure))
	assert.Equal(t, "req-big", failure.RequestID)
	assert.Contains(t, failure.Error, "maximum payload exceeded")
}

func TestConsumer_TransientPublishFailureOnFinalDeliveryPublishesFailure(t *testing.T) {
	pub := &capturePublisher{reject: map[string]error{
		"meme.response": errors.New("nats: timeout"),
	}}
	gen := generatorFunc(func(context.Context, inference.GenerateParams) ([]byte, error) {
		return []byte("img"), nil
	})
	proc := newTestProcessor(gen, pub, retry.NoRetry())

	sub := newSubscription()
	cancel, done := runConsumer(t, sub, proc, testConfig)

	first := newMessage(`{"id":"req-t","prompt":"flaky"}`)
	last := newMessage(`{"id":"req-t","prompt":"flaky"}`)
	last.delivered = 3
	sub.msgs <- first
	first.wait(t)
	sub.msgs <- last
	last.wait(t)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), first.naks.Load())
	assert.Equal(t, int32(1), last.acks.Load())

	failures := pub.messages("meme.response.error")
	require.Len(t, failures, 1, "only the final delivery reports a failure")
	var failure meme.Failure
	require.NoError(t, json.Unmarshal(failures[0], &failure))
	assert.Equal(t, "req-t", failure.RequestID)
}

func TestConsumer_BlankPromptPublishesFailureAndAcks(t *testing.T) {
	pub := &capturePublisher{}
	var calls atomic.Int32
	gen := generatorFunc(func(context.Context, inference.GenerateParams) ([]byte, error) {
		calls.Add(1)
		return []byte("img"), nil
	})
	proc := newTestProcessor(gen, pub, retry.NoRetry())

	before := testutil.ToFloat64(metrics.MalformedTotal)
	sub := newSubscription()
	cancel, done := runConsumer(t, sub, proc, testConfig)

	msg := newMessage(`{"id":"x","prompt":"   "}`)
	sub.msgs <- msg
	msg.wait(t)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), msg.acks.Load())
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, before, testutil.ToFloat64(metrics.MalformedTotal))

	failures := pub.messages("meme.response.error")
	require.Len(t, failures, 1)
	var failure meme.Failure
	require.NoError(t, json.Unmarshal(failures[0], &failure))
	assert.Equal(t, "x", failure.RequestID)
	assert.Equal(t, "prompt is empty", failure.Error)
}
