package api

import (
	"context"
	"net/http"
	"time"

	"podforge/internal/config"
	"podforge/internal/hub"
	"podforge/internal/queue"
	"podforge/pkg/cache"
	"podforge/pkg/logger"
	"podforge/pkg/model"
	"podforge/pkg/resilience"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Store is the slice of durable state the HTTP surface needs.
type Store interface {
	CreateTask(ctx context.Context, task *model.Task) error
	GetTaskByID(ctx context.Context, id string) (*model.Task, error)
	ListTasksByUser(ctx context.Context, userID string, limit int) ([]*model.Task, error)
	DeleteTask(ctx context.Context, id string) error
	GetStreamResultBySpeechID(ctx context.Context, speechResultID string) (*model.StreamResult, error)
}

// ObjectStore is the slice of the artifact store the HTTP surface needs.
type ObjectStore interface {
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// JobPublisher enqueues the first pipeline stage for a new task.
type JobPublisher interface {
	PublishJob(kind queue.StageKind, job interface{}) error
}

// Server is the HTTP and WebSocket front of the pipeline.
type Server struct {
	cfg     *config.Config
	store   Store
	objects ObjectStore
	jobs    JobPublisher
	cache   cache.Cache
	hub     *hub.Hub
	limiter *resilience.RateLimiter
	httpSrv *http.Server
}

func NewServer(
	cfg *config.Config,
	store Store,
	objects ObjectStore,
	jobs JobPublisher,
	taskCache cache.Cache,
	h *hub.Hub,
) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		objects: objects,
		jobs:    jobs,
		cache:   taskCache,
		hub:     h,
		limiter: resilience.NewRateLimiter(100, 10*time.Millisecond),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", s.health)
	router.GET("/ws", s.serveWS)
	router.GET("/hls/*key", s.redirectHLS)

	podcasts := router.Group("/api/podcasts")
	{
		podcasts.POST("", s.createPodcast)
		podcasts.GET("", s.listPodcasts)
		podcasts.GET("/:id", s.getPodcast)
		podcasts.DELETE("/:id", s.deletePodcast)
		podcasts.GET("/:id/stream", s.getStream)
		podcasts.GET("/:id/audio", s.getAudio)
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	logger.Info("HTTP server starting", zap.String("addr", s.httpSrv.Addr))

	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// userID resolves the caller: the X-User-ID header, with a query
// fallback for clients that cannot set headers (WebSocket from
// browsers).
func userID(c *gin.Context) string {
	if id := c.GetHeader("X-User-ID"); id != "" {
		return id
	}
	return c.Query("user_id")
}
