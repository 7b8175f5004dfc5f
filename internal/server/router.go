package server

import (
	"context"
	"errors"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/enrich"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/ingest"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/live"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/metrics"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/records"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/snapshot"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	attachmentFormField      = "adjunto"
	defaultMaxUploadBytes    = 5 << 20
	formOverheadBytes        = 1 << 20
	routeUnmatched           = "unmatched"
	defaultWriteTimeout      = 10 * time.Second
	defaultHeartbeatPeriod   = 25 * time.Second
	healthCheckTimeout       = 2 * time.Second
	indexTemplateName        = "index.html"
	errorInvalidSubmission   = "invalid_submission"
	errorStorageFailure      = "storage_failure"
	errorPayloadTooLarge     = "payload_too_large"
	errorSnapshotFailure     = "snapshot_failed"
	errorStoreUnavailable    = "store_unavailable"
	errorMalformedSubmission = "malformed_submission"
)

var (
	errMissingSubmitter = errors.New("submission service dependency required")
	errMissingSnapshots = errors.New("snapshot builder dependency required")
	errMissingLive      = errors.New("live channel dependency required")
)

// Submitter accepts requests and comments.
type Submitter interface {
	SubmitRequest(ctx context.Context, form ingest.RequestForm) error
	SubmitComment(ctx context.Context, form ingest.CommentForm) error
}

// SnapshotBuilder renders the recent-activity view.
type SnapshotBuilder interface {
	Build(ctx context.Context) (snapshot.Snapshot, error)
}

// LiveChannel attaches live subscribers.
type LiveChannel interface {
	Attach(ctx context.Context) *live.Subscription
}

// StreamConfig tunes the live transports.
type StreamConfig struct {
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Submissions      Submitter
	Snapshots        SnapshotBuilder
	Live             LiveChannel
	HealthCheck      func(ctx context.Context) error
	RequestTopic     string
	CommentTopic     string
	UploadsDirectory string
	GalleryDirectory string
	MaxUploadBytes   int64
	AllowedOrigins   []string
	Stream           StreamConfig
	RateLimit        RateLimitConfig
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin engine serving pages, submissions and live streams.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Submissions == nil {
		return nil, errMissingSubmitter
	}
	if deps.Snapshots == nil {
		return nil, errMissingSnapshots
	}
	if deps.Live == nil {
		return nil, errMissingLive
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxUploadBytes := deps.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	writeTimeout := deps.Stream.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	heartbeat := deps.Stream.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatPeriod
	}
	requestTopic := deps.RequestTopic
	if requestTopic == "" {
		requestTopic = ingest.DefaultRequestTopic
	}
	commentTopic := deps.CommentTopic
	if commentTopic == "" {
		commentTopic = ingest.DefaultCommentTopic
	}

	pageTemplate, err := template.ParseFS(templateFiles, "templates/"+indexTemplateName)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.MaxMultipartMemory = maxUploadBytes
	router.SetHTMLTemplate(pageTemplate)
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		submissions:    deps.Submissions,
		snapshots:      deps.Snapshots,
		live:           deps.Live,
		healthCheck:    deps.HealthCheck,
		requestTopic:   requestTopic,
		commentTopic:   commentTopic,
		maxUploadBytes: maxUploadBytes,
		writeTimeout:   writeTimeout,
		heartbeat:      heartbeat,
		logger:         logger,
	}
	limiter := newClientRateLimiter(deps.RateLimit)

	router.GET("/", handler.handleIndex)
	router.GET("/api/snapshot", handler.handleSnapshot)
	router.POST("/pedido", limiter.middleware(), handler.handleRequestSubmission)
	router.POST("/comentario", limiter.middleware(), handler.handleCommentSubmission)
	router.GET("/events", handler.handleEventStream)
	router.GET("/ws", handler.handleWebSocket)
	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	if deps.UploadsDirectory != "" {
		router.Static("/uploads", deps.UploadsDirectory)
	}
	if deps.GalleryDirectory != "" {
		router.Static("/img", deps.GalleryDirectory)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Accept", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := metrics.NewTimer()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = routeUnmatched
		}
		method := c.Request.Method
		metrics.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		timer.ObserveDurationVec(metrics.HTTPRequestDuration, method, route)
	}
}

type httpHandler struct {
	submissions    Submitter
	snapshots      SnapshotBuilder
	live           LiveChannel
	healthCheck    func(ctx context.Context) error
	requestTopic   string
	commentTopic   string
	maxUploadBytes int64
	writeTimeout   time.Duration
	heartbeat      time.Duration
	logger         *zap.Logger
}

type pageData struct {
	Snapshot     snapshot.Snapshot
	RequestTopic string
	CommentTopic string
}

func (h *httpHandler) handleIndex(c *gin.Context) {
	current, err := h.snapshots.Build(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to build snapshot", zap.Error(err))
		c.String(http.StatusInternalServerError, "snapshot unavailable")
		return
	}
	c.HTML(http.StatusOK, indexTemplateName, pageData{
		Snapshot:     current,
		RequestTopic: h.requestTopic,
		CommentTopic: h.commentTopic,
	})
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	current, err := h.snapshots.Build(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to build snapshot", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorSnapshotFailure})
		return
	}
	c.JSON(http.StatusOK, current)
}

func (h *httpHandler) handleRequestSubmission(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, formOverheadBytes)
	if err := c.Request.ParseForm(); err != nil {
		h.writeFormError(c, err)
		return
	}

	form := ingest.RequestForm{
		Nombre:      c.PostForm("nombre"),
		Cancion:     c.PostForm("cancion"),
		Dedicatoria: c.PostForm("dedicatoria"),
		Artista:     c.PostForm("artista"),
	}
	if err := h.submissions.SubmitRequest(c.Request.Context(), form); err != nil {
		h.writeSubmissionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCommentSubmission(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+formOverheadBytes)

	form := ingest.CommentForm{}
	fileHeader, err := c.FormFile(attachmentFormField)
	switch {
	case err == nil:
		form.Attachment = uploadFromHeader(fileHeader)
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
	default:
		h.writeFormError(c, err)
		return
	}
	form.Nombre = c.PostForm("nombre")
	form.Mensaje = c.PostForm("mensaje")

	if err := h.submissions.SubmitComment(c.Request.Context(), form); err != nil {
		h.writeSubmissionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.healthCheck != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.healthCheck(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": errorStoreUnavailable})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) writeSubmissionError(c *gin.Context, err error) {
	var validationErr *records.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidSubmission, "fields": validationErr.Fields})
		return
	}

	response := gin.H{"error": errorStorageFailure}
	var storageErr *records.StorageError
	if errors.As(err, &storageErr) && storageErr.Code() != "" {
		response["code"] = storageErr.Code()
	}
	h.logger.Error("submission failed", zap.String("route", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, response)
}

func (h *httpHandler) writeFormError(c *gin.Context, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": errorPayloadTooLarge})
		return
	}
	h.logger.Debug("malformed submission", zap.Error(err))
	c.JSON(http.StatusBadRequest, gin.H{"error": errorMalformedSubmission})
}

func uploadFromHeader(header *multipart.FileHeader) *enrich.Upload {
	return &enrich.Upload{
		Filename: header.Filename,
		Size:     header.Size,
		Open: func() (io.ReadCloser, error) {
			return header.Open()
		},
	}
}
