// Package web serves the NutriScan REST API: training sessions and launches, nutrition lookups,
// dataset checks, configuration status and single-image prediction.
package web

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/nutriscan/nutriscan/config"
	"github.com/nutriscan/nutriscan/internal"
	"github.com/nutriscan/nutriscan/logging"
	"github.com/nutriscan/nutriscan/ml"
	"github.com/nutriscan/nutriscan/nutrition"
	"github.com/nutriscan/nutriscan/pipeline"
	"github.com/nutriscan/nutriscan/session"
)

// NutritionService is what the API needs from the nutrition layer.
type NutritionService interface {
	pipeline.BatchAdvisor
	Analyze(ctx context.Context, food, lang string) (nutrition.Info, error)
	TestConnection(ctx context.Context) nutrition.ConnectionStatus
	ClearCache(ctx context.Context) error
	CacheStats(ctx context.Context) (nutrition.CacheStats, error)
}

// Options configure a Server.
type Options struct {
	Config    *config.Config
	Store     session.Store
	Nutrition NutritionService
	// Runner runs python for training and prediction; an ExecRunner when nil.
	Runner ml.Runner
	// Pipeline builds the options of a launched run; internal.PipelineOptions when nil.
	Pipeline func(cfg *config.Config, deps internal.PipelineDeps, logger logging.Logger) pipeline.Options
	Now      func() time.Time
}

// Server is the REST API. Launched training runs outlive requests and are cancelled by Close.
type Server struct {
	opts   Options
	engine *gin.Engine
	runs   *runRegistry
	logger logging.Logger
}

// New builds the routes.
func New(opts Options, logger logging.Logger) (*Server, error) {
	if opts.Config == nil || opts.Store == nil || opts.Nutrition == nil {
		return nil, errors.New("server needs a config, a session store and a nutrition service")
	}
	if opts.Pipeline == nil {
		opts.Pipeline = internal.PipelineOptions
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Config.Server.Mode != "" {
		gin.SetMode(opts.Config.Server.Mode)
	}

	s := &Server{
		opts:   opts,
		engine: gin.New(),
		runs:   newRunRegistry(logger),
		logger: logger,
	}
	s.engine.Use(gin.Recovery(), s.logRequests)
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	api := s.engine.Group("/api")

	monitor := api.Group("/monitor")
	monitor.GET("/health", s.health)
	monitor.GET("/stats", s.stats)
	monitor.POST("/clear-cache", s.clearCache)

	training := api.Group("/training")
	training.GET("/sessions", s.listSessions)
	training.GET("/sessions/:id", s.getSession)
	training.DELETE("/sessions/:id", s.deleteSession)
	training.POST("/sessions/:id/stop", s.stopSession)
	training.POST("/launch", s.launch)

	food := api.Group("/nutrition")
	food.POST("/analyze", s.analyze)
	food.POST("/analyze-batch", s.analyzeBatch)
	food.GET("/test", s.testNutrition)
	food.POST("/clear-cache", s.clearCache)

	datasets := api.Group("/datasets")
	datasets.GET("", s.datasetStats)
	datasets.GET("/validate", s.validateDataset)

	cfg := api.Group("/config")
	cfg.GET("/status", s.configStatus)
	cfg.GET("/schema", s.configSchema)
	cfg.POST("/test", s.testService)

	models := api.Group("/models")
	models.GET("/versions", s.modelVersions)
	models.GET("/compare", s.compareModels)

	api.POST("/predict", s.predict)
}

// debugHeader turns on debug logging for one request; its value tags the log lines.
const debugHeader = "X-Debug-Log"

func (s *Server) logRequests(c *gin.Context) {
	if key, ok := c.Request.Header[debugHeader]; ok {
		c.Request = c.Request.WithContext(logging.EnableDebugMode(c.Request.Context(), strings.Join(key, ",")))
	}
	start := time.Now()
	c.Next()
	s.logger.CDebugw(c.Request.Context(), "request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}

// Close cancels launched runs and waits for them to record their final status.
func (s *Server) Close() error {
	s.runs.close()
	return nil
}

// Serve listens on the configured address until ctx is done.
func (s *Server) Serve(ctx context.Context) (err error) {
	listener, err := net.Listen("tcp", s.opts.Config.Server.Address)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener serves on listener until ctx is done.
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) (err error) {
	defer func() {
		err = multierr.Combine(err, s.Close())
	}()

	httpServer := &http.Server{
		Addr:              listener.Addr().String(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Handler:           s.engine,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorw("error shutting down", "error", err)
		}
	}()

	s.logger.Infow("serving", "url", "http://"+listener.Addr().String())
	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	return nil
}
