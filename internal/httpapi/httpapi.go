// Package httpapi exposes the Request Coordinator over HTTP. Routes map
// 1:1 onto Coordinator operations; this layer owns everything the
// Coordinator deliberately does not: request binding, multipart upload
// parsing, rate-limit enforcement, and translating an Envelope into an HTTP
// status + JSON body. Grounded in ai-gateway/pkg/server/server.go's
// gin.Engine setup (Recovery + logging middleware, grouped routes, graceful
// Run(ctx)) and task_handler.go's handler-binds-then-delegates shape.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parkvision/visionsvc/internal/annotate"
	"github.com/parkvision/visionsvc/internal/apperrors"
	"github.com/parkvision/visionsvc/internal/coordinator"
	"github.com/parkvision/visionsvc/internal/logging"
	"github.com/parkvision/visionsvc/internal/ratelimit"
)

// Config configures the server.
type Config struct {
	Port              int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxUploadBytes    int64
}

// Server wraps the gin.Engine bound to a Coordinator.
type Server struct {
	cfg     Config
	co      *coordinator.Coordinator
	limiter ratelimit.Limiter
	router  *gin.Engine
}

// New builds a Server. limiter may be nil, in which case rate limiting is
// not enforced.
func New(cfg Config, co *coordinator.Coordinator, limiter ratelimit.Limiter) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 10 * 1024 * 1024
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware())

	s := &Server{cfg: cfg, co: co, limiter: limiter, router: router}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/readyz", s.readyz)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.Use(s.rateLimitMiddleware())
	{
		images := v1.Group("/images")
		images.POST("", s.uploadImage)
		images.GET("", s.listImages)
		images.GET("/:hash", s.getImageInfo)
		images.DELETE("/:hash", s.deleteImage)
		images.GET("/:hash/duplicate", s.checkDuplicate)
		images.POST("/:hash/analyze", s.analyze)
		images.POST("/:hash/nature", s.analyzeNature)
		images.POST("/:hash/annotate", s.downloadAnnotated)

		v1.POST("/batch/analyze", s.batchAnalyze)
		v1.POST("/cache/invalidate", s.invalidateVersion)
		v1.DELETE("/cache", s.clearAllCache)
		v1.DELETE("/cache/:hash", s.clearCacheForHash)
		v1.GET("/stats", s.stats)
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails to start.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("visionsvc listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logging.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().UTC()})
}

func (s *Server) readyz(c *gin.Context) {
	env := s.co.Stats(c.Request.Context())
	if !env.Success {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "time": time.Now().UTC()})
}

func loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return
		}
		logging.With(logging.Fields{
			"method":  c.Request.Method,
			"path":    path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Info("request")
	}
}

// rateLimitMiddleware consults limiter keyed on the client's remote address.
// A nil limiter (the default) never blocks a request.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		decision, err := ratelimit.Allow(c.Request.Context(), s.limiter, c.ClientIP())
		if err != nil {
			logging.Warnf("rate limiter unavailable, allowing request: %v", err)
			c.Next()
			return
		}
		if !decision.Allowed {
			writeEnvelope(c, http.StatusTooManyRequests, errorEnvelope(apperrors.RateLimitExceeded(decision.RetryAfterSeconds)))
			c.Abort()
			return
		}
		c.Next()
	}
}

// --- handlers ---------------------------------------------------------------

func (s *Server) uploadImage(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		writeEnvelope(c, http.StatusBadRequest, errorEnvelope(apperrors.Validation("missing multipart field \"file\": %v", err)))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		writeEnvelope(c, http.StatusBadRequest, errorEnvelope(apperrors.Validation("read upload: %v", err)))
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		writeEnvelope(c, http.StatusBadRequest, errorEnvelope(apperrors.Validation("upload exceeds max size of %d bytes", s.cfg.MaxUploadBytes)))
		return
	}

	mime := header.Header.Get("Content-Type")
	env := s.co.UploadImage(c.Request.Context(), data, header.Filename, mime)
	respond(c, env)
}

func (s *Server) getImageInfo(c *gin.Context) {
	respond(c, s.co.GetImageInfo(c.Request.Context(), c.Param("hash")))
}

func (s *Server) listImages(c *gin.Context) {
	f := coordinator.ListFilter{
		AfterImageHash: c.Query("after"),
		MimeType:       c.Query("mime_type"),
	}
	if limit := c.Query("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			f.Limit = n
		}
	}
	respond(c, s.co.ListImages(c.Request.Context(), f))
}

func (s *Server) deleteImage(c *gin.Context) {
	respond(c, s.co.DeleteImage(c.Request.Context(), c.Param("hash")))
}

func (s *Server) checkDuplicate(c *gin.Context) {
	respond(c, s.co.CheckDuplicate(c.Request.Context(), c.Param("hash")))
}

type analyzeBody struct {
	Kind         string         `json:"kind" binding:"required"`
	Params       map[string]any `json:"params,omitempty"`
	ForceRefresh bool           `json:"force_refresh,omitempty"`
}

func (s *Server) analyze(c *gin.Context) {
	var body analyzeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeEnvelope(c, http.StatusBadRequest, errorEnvelope(apperrors.Validation("invalid request body: %v", err)))
		return
	}
	respond(c, s.co.Analyze(c.Request.Context(), coordinator.AnalyzeRequest{
		ImageHash:    c.Param("hash"),
		Kind:         body.Kind,
		Params:       body.Params,
		ForceRefresh: body.ForceRefresh,
	}))
}

type natureBody struct {
	Depth               string  `json:"depth,omitempty"`
	IncludeHealth       bool    `json:"include_health,omitempty"`
	IncludeSeasonal     bool    `json:"include_seasonal,omitempty"`
	IncludeColor        bool    `json:"include_color,omitempty"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
}

func (s *Server) analyzeNature(c *gin.Context) {
	var body natureBody
	if err := c.ShouldBindJSON(&body); err != nil && err != io.EOF {
		writeEnvelope(c, http.StatusBadRequest, errorEnvelope(apperrors.Validation("invalid request body: %v", err)))
		return
	}
	respond(c, s.co.AnalyzeNature(c.Request.Context(), coordinator.NatureRequest{
		ImageHash:           c.Param("hash"),
		Depth:               body.Depth,
		IncludeHealth:       body.IncludeHealth,
		IncludeSeasonal:     body.IncludeSeasonal,
		IncludeColor:        body.IncludeColor,
		ConfidenceThreshold: body.ConfidenceThreshold,
	}))
}

func (s *Server) downloadAnnotated(c *gin.Context) {
	var render annotate.Request
	if err := c.ShouldBindJSON(&render); err != nil && err != io.EOF {
		writeEnvelope(c, http.StatusBadRequest, errorEnvelope(apperrors.Validation("invalid request body: %v", err)))
		return
	}
	respond(c, s.co.DownloadAnnotated(c.Request.Context(), coordinator.DownloadAnnotatedRequest{
		ImageHash: c.Param("hash"),
		Render:    render,
	}))
}

type batchBody struct {
	ImageHashes      []string       `json:"image_hashes" binding:"required,min=1"`
	Kinds            []string       `json:"kinds" binding:"required,min=1"`
	Params           map[string]any `json:"params,omitempty"`
	ConcurrencyLimit int            `json:"concurrency_limit,omitempty"`
}

func (s *Server) batchAnalyze(c *gin.Context) {
	var body batchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeEnvelope(c, http.StatusBadRequest, errorEnvelope(apperrors.Validation("invalid request body: %v", err)))
		return
	}
	respond(c, s.co.BatchAnalyze(c.Request.Context(), coordinator.BatchRequest{
		ImageHashes:      body.ImageHashes,
		Kinds:            body.Kinds,
		Params:           body.Params,
		ConcurrencyLimit: body.ConcurrencyLimit,
	}))
}

type invalidateBody struct {
	Kind string `json:"kind" binding:"required"`
}

func (s *Server) invalidateVersion(c *gin.Context) {
	var body invalidateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeEnvelope(c, http.StatusBadRequest, errorEnvelope(apperrors.Validation("invalid request body: %v", err)))
		return
	}
	respond(c, s.co.InvalidateVersion(c.Request.Context(), body.Kind))
}

func (s *Server) clearAllCache(c *gin.Context) {
	respond(c, s.co.ClearCache(c.Request.Context(), ""))
}

func (s *Server) clearCacheForHash(c *gin.Context) {
	respond(c, s.co.ClearCache(c.Request.Context(), c.Param("hash")))
}

func (s *Server) stats(c *gin.Context) {
	respond(c, s.co.Stats(c.Request.Context()))
}

// --- envelope plumbing -------------------------------------------------------

func respond(c *gin.Context, env coordinator.Envelope) {
	status := http.StatusOK
	if !env.Success && env.Error != nil {
		status = apperrors.HTTPStatus(apperrors.Code(env.Error.Code))
	}
	writeEnvelope(c, status, env)
}

func writeEnvelope(c *gin.Context, status int, env coordinator.Envelope) {
	if env.Error != nil && env.Error.RetryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(env.Error.RetryAfterSeconds))
	}
	c.JSON(status, env)
}

func errorEnvelope(err *apperrors.Error) coordinator.Envelope {
	return coordinator.Envelope{
		Success: false,
		Error: &coordinator.ErrorInfo{
			Code:              string(err.Code),
			Message:           err.Message,
			Details:           err.Details,
			RetryAfterSeconds: err.RetryAfterSecs,
		},
	}
}
