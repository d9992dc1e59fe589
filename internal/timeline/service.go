package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentworkforce/relaytimeline/internal/envelope"
)

const tracerName = "github.com/agentworkforce/relaytimeline/internal/timeline"

// Sealer is the subset of the envelope service used to protect payloads.
type Sealer interface {
	Seal(payload any) (envelope.Blob, error)
	Open(blob envelope.Blob) (json.RawMessage, error)
}

type ServiceOptions struct {
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Now          func() time.Time
	NewID        func() string
	ReplyLockTTL time.Duration
	// OnAppend is called after the transaction that appended event commits.
	OnAppend func(event TimelineEvent)
}

// Service implements the ingestion pipelines and the reply lock protocol on
// top of a transactional Backend.
type Service struct {
	backend  Backend
	sealer   Sealer
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
	lockTTL  time.Duration
	onAppend func(TimelineEvent)
}

func NewService(backend Backend, sealer Sealer, opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	ttl := opts.ReplyLockTTL
	if ttl <= 0 {
		ttl = DefaultReplyLockTTL
	}
	return &Service{
		backend:  backend,
		sealer:   sealer,
		logger:   logger,
		tracer:   tracer,
		now:      now,
		newID:    newID,
		lockTTL:  ttl,
		onAppend: opts.OnAppend,
	}
}

func (s *Service) Backend() Backend {
	return s.backend
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on span. Typed lock outcomes are not span errors.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) logFailure(ctx context.Context, op string, err error, attrs ...any) {
	level := slog.LevelDebug
	if errors.Is(err, envelope.ErrCrypto) || errors.Is(err, envelope.ErrConfig) {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, op+" failed", append(attrs, "error", err)...)
}

func (s *Service) notify(events ...TimelineEvent) {
	if s.onAppend == nil {
		return
	}
	for _, ev := range events {
		s.onAppend(ev)
	}
}

func (s *Service) sealPair(content, raw any) (envelope.Blob, envelope.Blob, error) {
	sealedContent, err := s.sealer.Seal(content)
	if err != nil {
		return envelope.Blob{}, envelope.Blob{}, err
	}
	sealedRaw, err := s.sealer.Seal(raw)
	if err != nil {
		return envelope.Blob{}, envelope.Blob{}, err
	}
	return sealedContent, sealedRaw, nil
}

// checkChannel verifies channelID exists and belongs to brandID.
func checkChannel(ctx context.Context, tx Tx, brandID, channelID string) (Channel, error) {
	channel, err := tx.GetChannel(ctx, channelID)
	if err != nil {
		return Channel{}, err
	}
	if channel.BrandID != brandID {
		return Channel{}, ErrCrossBrandAccess
	}
	return channel, nil
}
