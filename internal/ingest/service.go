package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/enrich"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/metrics"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/records"
	"go.uber.org/zap"
)

const (
	// DefaultRequestTopic is the event name browsers listen on for new requests.
	DefaultRequestTopic = "nuevo_pedido"
	// DefaultCommentTopic is the event name browsers listen on for new comments.
	DefaultCommentTopic = "nuevo_comentario"

	defaultEnrichmentTimeout = 5 * time.Second

	kindRequest = "request"
	kindComment = "comment"

	outcomeAccepted = "accepted"
	outcomeInvalid  = "invalid"
	outcomeFailed   = "storage_failure"
)

var (
	errMissingStore     = errors.New("ingest: record writer is required")
	errMissingPublisher = errors.New("ingest: publisher is required")
)

// RecordWriter persists validated submissions.
type RecordWriter interface {
	InsertRequest(ctx context.Context, fields records.RequestFields) (records.RequestID, records.Request, error)
	InsertComment(ctx context.Context, fields records.CommentFields) (records.CommentID, records.Comment, error)
}

// Publisher relays persisted records to live subscribers.
type Publisher interface {
	Publish(topic string, payload any)
}

// AttachmentSaver stores an uploaded file and returns its public path.
// Discard removes a saved file whose comment was never stored.
type AttachmentSaver interface {
	Save(ctx context.Context, upload enrich.Upload) (string, error)
	Discard(publicPath string) error
}

// PreviewFetcher unfurls a URL found in a comment.
type PreviewFetcher interface {
	Fetch(ctx context.Context, rawURL string) (records.LinkPreview, error)
}

// RequestForm is an inbound song request.
type RequestForm struct {
	Nombre      string
	Cancion     string
	Dedicatoria string
	Artista     string
}

// CommentForm is an inbound chat comment with an optional upload.
type CommentForm struct {
	Nombre     string
	Mensaje    string
	Attachment *enrich.Upload
}

// ServiceConfig wires the ingest service.
type ServiceConfig struct {
	Store             RecordWriter
	Publisher         Publisher
	Attachments       AttachmentSaver
	Previews          PreviewFetcher
	RequestTopic      string
	CommentTopic      string
	EnrichmentTimeout time.Duration
	Logger            *zap.Logger
}

// Service sequences validate, store and publish for every submission.
type Service struct {
	store             RecordWriter
	publisher         Publisher
	attachments       AttachmentSaver
	previews          PreviewFetcher
	requestTopic      string
	commentTopic      string
	enrichmentTimeout time.Duration
	logger            *zap.Logger

	requestMu sync.Mutex
	commentMu sync.Mutex
}

// NewService validates the configuration. Attachments and Previews are optional.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	requestTopic := cfg.RequestTopic
	if requestTopic == "" {
		requestTopic = DefaultRequestTopic
	}
	commentTopic := cfg.CommentTopic
	if commentTopic == "" {
		commentTopic = DefaultCommentTopic
	}
	timeout := cfg.EnrichmentTimeout
	if timeout <= 0 {
		timeout = defaultEnrichmentTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:             cfg.Store,
		publisher:         cfg.Publisher,
		attachments:       cfg.Attachments,
		previews:          cfg.Previews,
		requestTopic:      requestTopic,
		commentTopic:      commentTopic,
		enrichmentTimeout: timeout,
		logger:            logger,
	}, nil
}

// RequestTopic returns the topic new requests are published on.
func (s *Service) RequestTopic() string {
	return s.requestTopic
}

// CommentTopic returns the topic new comments are published on.
func (s *Service) CommentTopic() string {
	return s.commentTopic
}

// SubmitRequest stores a request and publishes the stored row. Nothing is
// published unless the insert committed.
func (s *Service) SubmitRequest(ctx context.Context, form RequestForm) error {
	fields := records.RequestFields{
		Nombre:      form.Nombre,
		Cancion:     form.Cancion,
		Dedicatoria: form.Dedicatoria,
		Artista:     form.Artista,
	}
	if err := fields.Validate(); err != nil {
		metrics.SubmissionsTotal.WithLabelValues(kindRequest, outcomeInvalid).Inc()
		return err
	}

	s.requestMu.Lock()
	defer s.requestMu.Unlock()

	_, row, err := s.store.InsertRequest(context.WithoutCancel(ctx), fields)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues(kindRequest, outcomeFor(err)).Inc()
		return err
	}
	s.publisher.Publish(s.requestTopic, row.View())
	metrics.SubmissionsTotal.WithLabelValues(kindRequest, outcomeAccepted).Inc()
	return nil
}

// SubmitComment enriches, stores and publishes a comment. Enrichment failures
// drop the affected field and never abort the write.
func (s *Service) SubmitComment(ctx context.Context, form CommentForm) error {
	fields := records.CommentFields{
		Nombre:  form.Nombre,
		Mensaje: form.Mensaje,
	}
	if err := fields.Validate(); err != nil {
		metrics.SubmissionsTotal.WithLabelValues(kindComment, outcomeInvalid).Inc()
		return err
	}

	fields.Adjunto = s.saveAttachment(ctx, form.Attachment)
	fields.Preview = s.fetchPreview(ctx, fields.Mensaje)

	s.commentMu.Lock()
	defer s.commentMu.Unlock()

	_, row, err := s.store.InsertComment(context.WithoutCancel(ctx), fields)
	if err != nil {
		s.discardAttachment(fields.Adjunto)
		metrics.SubmissionsTotal.WithLabelValues(kindComment, outcomeFor(err)).Inc()
		return err
	}
	s.publisher.Publish(s.commentTopic, row.View())
	metrics.SubmissionsTotal.WithLabelValues(kindComment, outcomeAccepted).Inc()
	return nil
}

func (s *Service) saveAttachment(ctx context.Context, upload *enrich.Upload) string {
	if upload == nil || s.attachments == nil {
		return ""
	}
	enrichCtx, cancel := context.WithTimeout(ctx, s.enrichmentTimeout)
	defer cancel()

	publicPath, err := s.attachments.Save(enrichCtx, *upload)
	if err != nil {
		s.logEnrichmentFailure(enrich.KindAttachment, err)
		return ""
	}
	return publicPath
}

func (s *Service) discardAttachment(publicPath string) {
	if publicPath == "" || s.attachments == nil {
		return
	}
	if err := s.attachments.Discard(publicPath); err != nil {
		s.logger.Warn("orphaned attachment not removed", zap.String("path", publicPath), zap.Error(err))
	}
}

func (s *Service) fetchPreview(ctx context.Context, message string) records.LinkPreview {
	if s.previews == nil {
		return records.LinkPreview{}
	}
	target, found := enrich.FirstURL(message)
	if !found {
		return records.LinkPreview{}
	}
	enrichCtx, cancel := context.WithTimeout(ctx, s.enrichmentTimeout)
	defer cancel()

	preview, err := s.previews.Fetch(enrichCtx, target)
	if err != nil {
		s.logEnrichmentFailure(enrich.KindPreview, err)
		return records.LinkPreview{}
	}
	return preview
}

func (s *Service) logEnrichmentFailure(kind string, err error) {
	metrics.EnrichmentFailures.WithLabelValues(kind).Inc()
	s.logger.Warn("comment enrichment skipped", zap.String("kind", kind), zap.Error(err))
}

func outcomeFor(err error) string {
	if errors.Is(err, records.ErrValidation) {
		return outcomeInvalid
	}
	return outcomeFailed
}
