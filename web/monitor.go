package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/nutriscan/nutriscan/config"
	"github.com/nutriscan/nutriscan/dataset"
	"github.com/nutriscan/nutriscan/nutrition"
	"github.com/nutriscan/nutriscan/session"
)

func (s *Server) health(c *gin.Context) {
	success(c, gin.H{
		"status":    "healthy",
		"timestamp": s.opts.Now().UTC(),
		"secrets":   s.opts.Config.SecretStatus(),
	})
}

type statsResponse struct {
	Sessions   session.Summary      `json:"sessions"`
	Cache      nutrition.CacheStats `json:"cache"`
	ActiveRuns []string             `json:"active_runs"`
}

func (s *Server) stats(c *gin.Context) {
	records, err := s.opts.Store.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	cache, err := s.opts.Nutrition.CacheStats(c.Request.Context())
	if err != nil {
		s.fail(c, errors.Wrap(err, "could not read nutrition cache stats"))
		return
	}
	active := s.runs.active()
	sort.Strings(active)
	success(c, statsResponse{Sessions: session.Summarize(records), Cache: cache, ActiveRuns: active})
}

func (s *Server) clearCache(c *gin.Context) {
	if err := s.opts.Nutrition.ClearCache(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	success(c, gin.H{"message": "nutrition cache cleared"})
}

func (s *Server) datasetDir() (string, error) {
	dir := s.opts.Config.Dataset.Dir
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return "", &httpError{status: http.StatusNotFound, err: errors.Errorf("dataset directory %s does not exist", dir)}
		}
		return "", err
	}
	return dir, nil
}

func (s *Server) datasetStats(c *gin.Context) {
	dir, err := s.datasetDir()
	if err != nil {
		s.fail(c, err)
		return
	}
	st, err := dataset.Stats(dir)
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, st)
}

type validationResponse struct {
	Valid bool `json:"valid"`
	*dataset.ValidationReport
}

func (s *Server) validateDataset(c *gin.Context) {
	dir, err := s.datasetDir()
	if err != nil {
		s.fail(c, err)
		return
	}
	report := dataset.Validate(dir)
	success(c, validationResponse{Valid: report.Valid(), ValidationReport: report})
}

type configStatus struct {
	Secrets        map[string]bool `json:"secrets"`
	DatasetSource  string          `json:"dataset_source"`
	SessionBackend string          `json:"session_backend"`
	CacheBackend   string          `json:"cache_backend"`
	Language       string          `json:"language"`
	Languages      []string        `json:"languages"`
	ExportFormats  []string        `json:"export_formats"`
}

func (s *Server) configStatus(c *gin.Context) {
	cfg := s.opts.Config
	success(c, configStatus{
		Secrets:        cfg.SecretStatus(),
		DatasetSource:  cfg.Dataset.Source,
		SessionBackend: cfg.Session.Backend,
		CacheBackend:   cfg.Nutrition.CacheBackend,
		Language:       cfg.Nutrition.Language,
		Languages:      nutrition.Languages(),
		ExportFormats:  cfg.Export.Formats,
	})
}

func (s *Server) configSchema(c *gin.Context) {
	schema, err := config.SchemaJSON()
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, json.RawMessage(schema))
}

type serviceTestRequest struct {
	Service string `json:"service" binding:"required"`
}

type serviceStatus struct {
	Service string `json:"service"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Services testService can reach.
const (
	serviceGemini   = "gemini"
	serviceRoboflow = "roboflow"
)

// testService checks the connection to one upstream API.
func (s *Server) testService(c *gin.Context) {
	var req serviceTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest(err))
		return
	}
	ctx := c.Request.Context()
	status := serviceStatus{Service: strings.ToLower(strings.TrimSpace(req.Service))}
	switch status.Service {
	case serviceGemini:
		res := s.opts.Nutrition.TestConnection(ctx)
		status.Success, status.Message, status.Error, status.Details = res.Success, res.Message, res.Error, res
	case serviceRoboflow:
		cfg := s.opts.Config.Roboflow
		client := dataset.NewRoboflowClient(cfg.URL, cfg.APIKey, s.logger.Sublogger("roboflow"))
		ws, err := client.TestConnection(ctx, cfg.Workspace)
		if err != nil {
			status.Error = err.Error()
			break
		}
		status.Success = true
		status.Message = fmt.Sprintf("connected to workspace %s (%d projects)", ws.Name, ws.Projects)
		status.Details = ws
	default:
		s.fail(c, badRequest(errors.Errorf("unknown service %q, expected %s or %s", req.Service, serviceGemini, serviceRoboflow)))
		return
	}
	if !status.Success {
		c.JSON(http.StatusBadGateway, response{Data: status, Error: lo.CoalesceOrEmpty(status.Error, status.Message)})
		return
	}
	success(c, status)
}
