package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"threatwatch-service/internal/config"
	"threatwatch-service/internal/detector"
	"threatwatch-service/internal/domain/threat"
	"threatwatch-service/internal/logging"
	"threatwatch-service/internal/repository"
	"threatwatch-service/internal/service"
)

// envelope slack on top of the encoded frame for the rest of the JSON body
const bodySlack = 64 << 10

type Processor interface {
	Process(ctx context.Context, sub service.FrameSubmission) (*threat.ProcessResult, error)
}

type IncidentQueries interface {
	ListRecent(ctx context.Context, q service.ListQuery) (*service.ListResult, error)
	GetIncident(ctx context.Context, id int64) (*repository.IncidentDetails, error)
}

type DetectorProbe interface {
	Health(ctx context.Context) (*detector.HealthStatus, error)
}

type StorePinger interface {
	Ping(ctx context.Context) error
}

type LiveStream interface {
	HandleWS(w http.ResponseWriter, r *http.Request, callerID string)
	ClientCount() int
}

type Handler struct {
	pipeline  Processor
	incidents IncidentQueries
	detector  DetectorProbe
	store     StorePinger
	live      LiveStream
	verifier  *TokenVerifier
	config    *config.Config
	log       zerolog.Logger
}

func NewHandler(
	pipeline Processor,
	incidents IncidentQueries,
	detector DetectorProbe,
	store StorePinger,
	live LiveStream,
	verifier *TokenVerifier,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		pipeline:  pipeline,
		incidents: incidents,
		detector:  detector,
		store:     store,
		live:      live,
		verifier:  verifier,
		config:    cfg,
		log:       log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/health", h.liveness)

	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.GET("/health/detector", h.detectorHealth)
		public.GET("/health/ready", h.readiness)
		// token is checked before the upgrade, browsers cannot set headers here
		public.GET("/ws", h.liveStream)
	}

	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/detections/frame", h.ingestFrame)
		protected.GET("/incidents", h.listIncidents)
		protected.GET("/incidents/:id", h.getIncident)
	}
}

type frameRequest struct {
	CameraID       string              `json:"camera_id"`
	Frame          string              `json:"frame"`
	CapturedAt     *time.Time          `json:"captured_at"`
	IdempotencyKey string              `json:"idempotency_key"`
	Scene          threat.SceneContext `json:"scene"`
}

func (h *Handler) ingestFrame(c *gin.Context) {
	start := time.Now()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(h.config.Pipeline.MaxFrameBytes)+bodySlack)

	var req frameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, errorResponse("frame exceeds size limit"))
			return
		}
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	sub := service.FrameSubmission{
		CameraID:         req.CameraID,
		Frame:            req.Frame,
		IdempotencyToken: strings.TrimSpace(req.IdempotencyKey),
		Scene:            req.Scene,
		ReportedBy:       c.GetString(logging.CtxCallerID),
	}
	if req.CapturedAt != nil {
		sub.CapturedAt = *req.CapturedAt
	}
	if sub.IdempotencyToken == "" {
		sub.IdempotencyToken = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}

	result, err := h.pipeline.Process(c.Request.Context(), sub)
	if err != nil {
		h.handleError(c, err)
		return
	}

	elapsed := time.Since(start)
	ms := float64(elapsed.Microseconds()) / 1000
	fps := 0.0
	if ms > 0 {
		fps = 1000 / ms
	}

	resp := gin.H{
		"outcome": result.Outcome,
		"verdict": result.Verdict,
		"stats": gin.H{
			"processing_time_ms": ms,
			"fps":                fps,
		},
	}
	if result.Incident != nil {
		resp["incident"] = result.Incident
	}
	if result.Alert != nil {
		resp["alert"] = result.Alert
	}
	if result.Created != nil {
		resp["created"] = *result.Created
	}
	if result.Frame != nil {
		resp["frame_ref"] = result.Frame
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listIncidents(c *gin.Context) {
	var q service.ListQuery
	if cam := strings.TrimSpace(c.Query("camera_id")); cam != "" {
		q.CameraID = &cam
	}
	if f := strings.TrimSpace(c.Query("from")); f != "" {
		q.From = &f
	}
	if t := strings.TrimSpace(c.Query("to")); t != "" {
		q.To = &t
	}

	q.Limit = service.DefaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			q.Limit = parsed
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			q.Offset = parsed
		}
	}

	result, err := h.incidents.ListRecent(c.Request.Context(), q)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":   result.Events,
		"source": result.Source,
	})
}

func (h *Handler) getIncident(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid incident id"))
		return
	}

	details, err := h.incidents.GetIncident(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(gin.H{
		"incident": details.Incident,
		"alert":    details.Alert,
	}))
}

func (h *Handler) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) detectorHealth(c *gin.Context) {
	status, err := h.detector.Health(c.Request.Context())
	if err != nil {
		logging.Warn(c).Err(err).Msg("detector health probe failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unreachable",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     status.Status,
		"latency_ms": status.Latency.Milliseconds(),
	})
}

func (h *Handler) readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		logging.Warn(c).Err(err).Msg("storage not ready")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":     "unavailable",
			"dependency": "storage",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ready",
		"ws_clients": h.live.ClientCount(),
	})
}

func (h *Handler) liveStream(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = bearerToken(c)
	}
	callerID, err := h.verifier.Verify(token)
	if err != nil {
		logging.Warn(c).Err(err).Msg("rejected live stream handshake")
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}
	c.Set(logging.CtxCallerID, callerID)
	h.live.HandleWS(c.Writer, c.Request, callerID)
}

func (h *Handler) handleError(c *gin.Context, err error) {
	var pipelineErr *service.PipelineError
	switch {
	case errors.Is(err, service.ErrPayloadTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, errorResponse(err.Error()))
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.As(err, &pipelineErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":      "upstream dependency failed",
			"stage":      pipelineErr.Stage,
			"dependency": pipelineErr.Dependency(),
		})
	case errors.Is(err, repository.ErrPersistence):
		logging.Error(c).Err(err).Msg("storage error")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":      "storage unavailable",
			"dependency": "storage",
		})
	default:
		logging.Error(c).Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
