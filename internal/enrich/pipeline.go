// Package enrich augments notifications with sender and post details from
// the record store before delivering them. Lookups may fail independently;
// a failed lookup only blanks its own field and never blocks delivery.
package enrich

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/snapgram/presence-relay/internal/metrics"
	"github.com/snapgram/presence-relay/internal/protocol"
	"github.com/snapgram/presence-relay/internal/store"
)

const tracerName = "github.com/snapgram/presence-relay/internal/enrich"

// Lookup outcomes, used as metric labels and span attributes.
const (
	resultFound     = "found"
	resultNotFound  = "not_found"
	resultError     = "error"
	resultMissingID = "missing_id"
	resultSkipped   = "skipped"
)

// Emitter delivers an event to every session of a user. room.Router
// implements it.
type Emitter interface {
	EmitToUser(userID, event string, payload interface{}) int
}

// Config holds pipeline tuning parameters.
type Config struct {
	// EntityTypes are the notification kinds whose entityId names a post.
	EntityTypes []string
}

// DefaultConfig returns the kinds the social backend emits with a post
// reference.
func DefaultConfig() Config {
	return Config{
		EntityTypes: []string{protocol.NotificationLike, protocol.NotificationComment},
	}
}

// Pipeline enriches and delivers notifications. It keeps no state between
// notifications; each one is processed independently and deliveries of
// different notifications are not ordered relative to each other.
type Pipeline struct {
	records     store.Records
	emitter     Emitter
	entityTypes map[string]bool
	tracer      trace.Tracer
	inflight    sync.WaitGroup
}

// NewPipeline creates a Pipeline reading from records and delivering through
// emitter.
func NewPipeline(records store.Records, emitter Emitter, config Config) *Pipeline {
	types := make(map[string]bool, len(config.EntityTypes))
	for _, t := range config.EntityTypes {
		types[t] = true
	}
	return &Pipeline{
		records:     records,
		emitter:     emitter,
		entityTypes: types,
		tracer:      otel.Tracer(tracerName),
	}
}

// Dispatch enriches and delivers n on its own goroutine and returns at once.
// A panic anywhere in the task is recovered and logged; the notification is
// then dropped.
func (p *Pipeline) Dispatch(ctx context.Context, n protocol.Notification) {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[enrich] dispatch panic type=%s from=%s to=%s: %v", n.Type, n.From, n.To, r)
			}
		}()
		p.Deliver(ctx, n)
	}()
}

// Deliver enriches n and emits it to the recipient's room, returning the
// number of sessions reached.
func (p *Pipeline) Deliver(ctx context.Context, n protocol.Notification) int {
	start := time.Now()
	enriched := p.Enrich(ctx, n)
	metrics.EnrichmentLatency.Observe(time.Since(start).Seconds())

	return p.emitter.EmitToUser(n.To, protocol.EventNotification, enriched)
}

// Enrich looks up the sender and, for post-referencing kinds, the post
// preview. Both lookups run concurrently. Sender fields stay nil when the
// sender cannot be resolved; PostPreview stays nil (delivered as null) when
// the kind carries no post or the post cannot be resolved.
func (p *Pipeline) Enrich(ctx context.Context, n protocol.Notification) protocol.EnrichedNotification {
	ctx, span := p.tracer.Start(ctx, "enrich.notification", trace.WithAttributes(
		attribute.String("notification.type", n.Type),
		attribute.String("notification.from", n.From),
		attribute.String("notification.to", n.To),
	))
	defer span.End()

	out := protocol.EnrichedNotification{Notification: n}
	senderResult, postResult := resultSkipped, resultSkipped

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		out.SenderUsername, out.SenderImage, senderResult = p.lookupSender(ctx, n.From)
	}()
	if p.entityTypes[n.Type] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out.PostPreview, postResult = p.lookupPreview(ctx, n.EntityID)
		}()
	}
	wg.Wait()

	span.SetAttributes(
		attribute.String("enrich.sender", senderResult),
		attribute.String("enrich.post", postResult),
	)
	return out
}

// Wait blocks until every dispatched notification has been delivered or
// dropped.
func (p *Pipeline) Wait() {
	p.inflight.Wait()
}

func (p *Pipeline) lookupSender(ctx context.Context, userID string) (username, image *string, result string) {
	if userID == "" {
		metrics.EnrichmentLookups.WithLabelValues("user", resultMissingID).Inc()
		return nil, nil, resultMissingID
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[enrich] sender lookup panic from=%s: %v", userID, r)
			metrics.EnrichmentLookups.WithLabelValues("user", resultError).Inc()
			username, image, result = nil, nil, resultError
		}
	}()

	user, err := p.records.FindUserByID(ctx, userID)
	result = classify(err, user == nil)
	metrics.EnrichmentLookups.WithLabelValues("user", result).Inc()
	if result != resultFound {
		if result == resultError {
			log.Printf("[enrich] sender lookup failed from=%s: %v", userID, err)
		}
		return nil, nil, result
	}

	name := user.Username
	if user.ProfileImage == "" {
		// profile_image is optional on the user record.
		return &name, nil, result
	}
	img := user.ProfileImage
	return &name, &img, result
}

func (p *Pipeline) lookupPreview(ctx context.Context, postID string) (preview *string, result string) {
	if postID == "" {
		metrics.EnrichmentLookups.WithLabelValues("post", resultMissingID).Inc()
		return nil, resultMissingID
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[enrich] post lookup panic entity=%s: %v", postID, r)
			metrics.EnrichmentLookups.WithLabelValues("post", resultError).Inc()
			preview, result = nil, resultError
		}
	}()

	post, err := p.records.FindPostByID(ctx, postID)
	result = classify(err, post == nil)
	metrics.EnrichmentLookups.WithLabelValues("post", result).Inc()
	if result != resultFound {
		if result == resultError {
			log.Printf("[enrich] post lookup failed entity=%s: %v", postID, err)
		}
		return nil, result
	}

	url := post.ImageURL
	return &url, result
}

// classify maps a lookup outcome to a result label. A nil record without an
// error is treated as not found.
func classify(err error, missing bool) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return resultNotFound
	case err != nil:
		return resultError
	case missing:
		return resultNotFound
	default:
		return resultFound
	}
}
