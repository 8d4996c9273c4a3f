package web

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/nutriscan/nutriscan/internal"
	"github.com/nutriscan/nutriscan/ml"
	"github.com/nutriscan/nutriscan/pipeline"
	"github.com/nutriscan/nutriscan/session"
)

func (s *Server) listSessions(c *gin.Context) {
	records, err := s.opts.Store.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, records)
}

func (s *Server) getSession(c *gin.Context) {
	rec, err := s.opts.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, rec)
}

func (s *Server) deleteSession(c *gin.Context) {
	id := c.Param("id")
	if s.runs.running(id) {
		s.fail(c, conflict(errors.Errorf("session %s is running, stop it first", id)))
		return
	}
	if err := s.opts.Store.Delete(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	success(c, gin.H{"id": id, "deleted": true})
}

func (s *Server) stopSession(c *gin.Context) {
	id := c.Param("id")
	if !s.runs.stop(id) {
		s.fail(c, conflict(errors.Errorf("session %s is not running", id)))
		return
	}
	success(c, gin.H{"id": id, "stopping": true})
}

type launchRequest struct {
	Overrides     map[string]any `json:"overrides"`
	DatasetSource string         `json:"dataset_source"`
	SkipNutrition bool           `json:"skip_nutrition"`
}

type launchResponse struct {
	SessionID string            `json:"session_id"`
	Status    session.Status    `json:"status"`
	Training  ml.TrainingConfig `json:"training_config"`
}

// launch records a pending session and trains in the background under it. The request
// returns once the run is started; progress is read back through the session.
func (s *Server) launch(c *gin.Context) {
	var req launchRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.fail(c, badRequest(err))
		return
	}

	cfg := *s.opts.Config
	if req.DatasetSource != "" {
		cfg.Dataset.Source = strings.ToLower(strings.TrimSpace(req.DatasetSource))
	}
	if len(req.Overrides) > 0 {
		training, err := ml.ApplyOverrides(cfg.Training, req.Overrides)
		if err != nil {
			s.fail(c, badRequest(err))
			return
		}
		cfg.Training = training
	}
	if err := cfg.Validate(); err != nil {
		s.fail(c, badRequest(err))
		return
	}

	ctx := c.Request.Context()
	rec, err := s.opts.Store.Insert(ctx, session.Record{Status: session.StatusPending, ModelConfig: cfg.Training})
	if err != nil {
		s.fail(c, err)
		return
	}
	logger := s.logger.Sublogger("run")
	deps := internal.PipelineDeps{
		Store:     s.opts.Store,
		Reporter:  pipeline.LogReporter{Logger: logger},
		Runner:    s.opts.Runner,
		SessionID: rec.ID,
	}
	if !req.SkipNutrition {
		deps.Nutrition = s.opts.Nutrition
	}
	runner, err := pipeline.New(s.opts.Pipeline(&cfg, deps, logger), logger)
	if err != nil {
		s.abandon(rec.ID, err)
		s.fail(c, err)
		return
	}

	started := s.runs.start(rec.ID, func(ctx context.Context) {
		if _, err := runner.Run(ctx); err != nil {
			logger.Warnw("training run failed", "session_id", rec.ID, "error", err)
			s.abandon(rec.ID, err)
		}
	})
	if !started {
		err := errors.New("server is shutting down")
		s.abandon(rec.ID, err)
		s.fail(c, &httpError{status: http.StatusServiceUnavailable, err: err})
		return
	}
	s.logger.Infow("training launched", "session_id", rec.ID, "model", cfg.Training.Model, "dataset", cfg.Dataset.Source)
	success(c, launchResponse{SessionID: rec.ID, Status: rec.Status, Training: cfg.Training})
}

// abandon fails a session that never left pending, e.g. when a run was stopped before it began.
func (s *Server) abandon(id string, cause error) {
	ctx := context.Background()
	_, err := session.Mutate(ctx, s.opts.Store, id, func(rec *session.Record) error {
		if rec.Status != session.StatusPending {
			return errSessionStarted
		}
		rec.Status = session.StatusFailed
		rec.Error = cause.Error()
		return nil
	})
	if err != nil && !errors.Is(err, errSessionStarted) {
		s.logger.Warnw("could not mark session failed", "session_id", id, "error", err)
	}
}

var errSessionStarted = errors.New("session already started")
