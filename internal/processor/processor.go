// Package processor turns fetched server messages into indexed domain
// messages: parse, content pipeline, classification, notification, index.
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/logging"
	"github.com/lu-zhengda/mailsync/internal/provider"
	"github.com/lu-zhengda/mailsync/internal/store"
)

// DefaultNotifyTimeout bounds a single notifier call.
const DefaultNotifyTimeout = 10 * time.Second

// Classifier assigns a category and confidence to a message.
type Classifier interface {
	Classify(ctx context.Context, msg *domain.Message) (domain.Category, float64, error)
}

// Notifier delivers high-priority messages outside the engine.
type Notifier interface {
	Notify(ctx context.Context, msg domain.Message) error
}

// ContentPipeline normalizes or sanitizes message content before
// classification.
type ContentPipeline interface {
	Prepare(ctx context.Context, msg *domain.Message) error
}

// Options configures a Processor. Nil collaborators get defaults.
type Options struct {
	Classifier    Classifier
	Notifier      Notifier
	Pipeline      ContentPipeline
	NotifyTimeout time.Duration
	Log           zerolog.Logger
	Mask          logging.Masker
}

// Result summarizes one batch.
type Result struct {
	// Processed counts messages that were parsed, including those whose
	// downstream steps failed.
	Processed int
	Failed    int
	// UIDs lists every UID that was handled, successfully or not.
	UIDs     []uint32
	Messages []domain.Message
}

// Processor runs fetched messages through the pipeline.
type Processor struct {
	messages      store.MessageStore
	classifier    Classifier
	notifier      Notifier
	pipeline      ContentPipeline
	notifyTimeout time.Duration
	log           zerolog.Logger
	mask          logging.Masker
	now           func() time.Time

	notifications sync.WaitGroup
}

// New creates a Processor writing into messages.
func New(messages store.MessageStore, opts Options) *Processor {
	p := &Processor{
		messages:      messages,
		classifier:    opts.Classifier,
		notifier:      opts.Notifier,
		pipeline:      opts.Pipeline,
		notifyTimeout: opts.NotifyTimeout,
		log:           opts.Log.With().Str("component", "processor").Logger(),
		mask:          opts.Mask,
		now:           time.Now,
	}
	if p.classifier == nil {
		p.classifier = RuleClassifier{}
	}
	if p.pipeline == nil {
		p.pipeline = PassthroughPipeline{}
	}
	if p.notifyTimeout <= 0 {
		p.notifyTimeout = DefaultNotifyTimeout
	}
	return p
}

// Process handles raws in order. Failures are per message and never abort
// the batch.
func (p *Processor) Process(ctx context.Context, acct *domain.Account, raws []provider.RawMessage) Result {
	log := p.log.With().Str("account", acct.ID).Logger()
	res := Result{UIDs: make([]uint32, 0, len(raws))}

	msgs := make([]domain.Message, 0, len(raws))
	for _, raw := range raws {
		res.UIDs = append(res.UIDs, raw.UID)

		msg, err := Parse(acct.ID, raw)
		if err != nil {
			res.Failed++
			log.Warn().Err(err).Uint32("uid", raw.UID).Msg("skipping unparseable message")
			continue
		}

		if err := p.pipeline.Prepare(ctx, msg); err != nil {
			log.Warn().Err(&domain.DownstreamError{Op: "content pipeline", Err: err}).
				Uint32("uid", raw.UID).Msg("content pipeline failed")
		}

		category, confidence, err := p.classifier.Classify(ctx, msg)
		if err != nil {
			log.Warn().Err(&domain.DownstreamError{Op: "classify", Err: err}).
				Uint32("uid", raw.UID).Msg("classification failed")
			category, confidence = domain.CategoryUnclassified, 0
		}
		msg.Category = category
		msg.Confidence = confidence
		msg.ProcessedAt = p.now()

		if category.HighPriority() && p.notifier != nil {
			p.notify(*msg, log)
		}

		log.Debug().Uint32("uid", raw.UID).Str("from", p.mask.Addr(msg.From.Email)).
			Str("category", string(category)).Msg("message processed")
		msgs = append(msgs, *msg)
	}

	res.Processed = len(msgs)
	res.Messages = msgs
	if len(msgs) == 0 {
		return res
	}
	if err := p.messages.IndexBatch(ctx, msgs); err != nil {
		log.Error().Err(&domain.DownstreamError{Op: "index", Err: err}).
			Int("count", len(msgs)).Msg("failed to index batch")
	}
	return res
}

// notify runs the notifier in the background with its own deadline.
func (p *Processor) notify(msg domain.Message, log zerolog.Logger) {
	p.notifications.Add(1)
	go func() {
		defer p.notifications.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.notifyTimeout)
		defer cancel()
		if err := p.notifier.Notify(ctx, msg); err != nil {
			log.Warn().Err(&domain.DownstreamError{Op: "notify", Err: err}).
				Str("message", msg.ID).Msg("notification failed")
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (p *Processor) Wait() {
	p.notifications.Wait()
}
