package web

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/nutriscan/nutriscan/ml"
	"github.com/nutriscan/nutriscan/session"
)

// modelVersion is a trained model: the best checkpoint of a completed session.
type modelVersion struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Version        string            `json:"version"`
	Status         session.Status    `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	DatasetID      string            `json:"dataset_id,omitempty"`
	Path           string            `json:"path"`
	SizeBytes      int64             `json:"size_bytes"`
	Size           string            `json:"size,omitempty"`
	ExportedModels map[string]string `json:"exported_models,omitempty"`
	Metrics        *ml.Metrics       `json:"metrics,omitempty"`
}

// trainedModels numbers the completed sessions with a best checkpoint from oldest to newest.
func trainedModels(records []session.Record) []modelVersion {
	trained := lo.Filter(records, func(rec session.Record, _ int) bool {
		return rec.Status == session.StatusCompleted && rec.BestModelPath != ""
	})
	sort.SliceStable(trained, func(i, j int) bool { return trained[i].CreatedAt.Before(trained[j].CreatedAt) })

	models := make([]modelVersion, 0, len(trained))
	for i, rec := range trained {
		m := modelVersion{
			ID:             rec.ID,
			Name:           rec.ModelConfig.Model,
			Version:        fmt.Sprintf("v%d", i+1),
			Status:         rec.Status,
			CreatedAt:      rec.CreatedAt,
			DatasetID:      rec.DatasetID,
			Path:           rec.BestModelPath,
			ExportedModels: rec.ExportedModels,
			Metrics:        lo.CoalesceOrEmpty(rec.ValidationResults, rec.Metrics),
		}
		if info, err := os.Stat(rec.BestModelPath); err == nil {
			m.SizeBytes = info.Size()
			m.Size = units.HumanSize(float64(info.Size()))
		}
		models = append(models, m)
	}
	return models
}

type versionsResponse struct {
	Models      []modelVersion `json:"models"`
	BestModelID string         `json:"best_model_id,omitempty"`
}

func (s *Server) modelVersions(c *gin.Context) {
	records, err := s.opts.Store.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	models := trainedModels(records)
	resp := versionsResponse{Models: models}
	best := session.Summarize(records).BestSessionID
	if lo.ContainsBy(models, func(m modelVersion) bool { return m.ID == best }) {
		resp.BestModelID = best
	}
	success(c, resp)
}

// comparedMetrics are the columns of a comparison, in display order.
var comparedMetrics = []string{"map50", "map50_95", "precision", "recall", "fitness", "size_bytes"}

type comparisonSummary struct {
	BestMAP50     string `json:"best_map50,omitempty"`
	BestMAP50to95 string `json:"best_map50_95,omitempty"`
	BestFitness   string `json:"best_fitness,omitempty"`
	Smallest      string `json:"smallest,omitempty"`
}

type comparison struct {
	Models  []modelVersion    `json:"models"`
	Metrics []string          `json:"metrics"`
	Summary comparisonSummary `json:"summary"`
}

// compareModels compares the models named in model_ids, or all of them when it is empty.
func (s *Server) compareModels(c *gin.Context) {
	records, err := s.opts.Store.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	models := trainedModels(records)

	ids := lo.Uniq(lo.Compact(lo.Map(strings.Split(c.Query("model_ids"), ","), func(id string, _ int) string {
		return strings.TrimSpace(id)
	})))
	if len(ids) > 0 {
		byID := lo.KeyBy(models, func(m modelVersion) string { return m.ID })
		missing := lo.Reject(ids, func(id string, _ int) bool {
			_, ok := byID[id]
			return ok
		})
		if len(missing) > 0 {
			s.fail(c, &httpError{
				status: http.StatusNotFound,
				err:    errors.Errorf("no trained model for %s", strings.Join(missing, ", ")),
			})
			return
		}
		models = lo.Map(ids, func(id string, _ int) modelVersion { return byID[id] })
	}
	success(c, comparison{Models: models, Metrics: comparedMetrics, Summary: summarizeModels(models)})
}

func summarizeModels(models []modelVersion) comparisonSummary {
	var sum comparisonSummary
	scored := lo.Filter(models, func(m modelVersion, _ int) bool { return m.Metrics != nil })
	if len(scored) > 0 {
		sum.BestMAP50 = lo.MaxBy(scored, func(a, b modelVersion) bool { return a.Metrics.MAP50 > b.Metrics.MAP50 }).ID
		sum.BestMAP50to95 = lo.MaxBy(scored, func(a, b modelVersion) bool { return a.Metrics.MAP50to95 > b.Metrics.MAP50to95 }).ID
		sum.BestFitness = lo.MaxBy(scored, func(a, b modelVersion) bool { return a.Metrics.Fitness() > b.Metrics.Fitness() }).ID
	}
	sized := lo.Filter(models, func(m modelVersion, _ int) bool { return m.SizeBytes > 0 })
	if len(sized) > 0 {
		sum.Smallest = lo.MinBy(sized, func(a, b modelVersion) bool { return a.SizeBytes < b.SizeBytes }).ID
	}
	return sum
}

// errForbiddenPath is returned for model or label paths outside what this server trained.
var errForbiddenPath = errors.New("path is not a trained model or dataset file of this server")

// checkModelPath lets the API load only weights this server produced: the best and exported
// models recorded on sessions, or files under the training project directory.
func (s *Server) checkModelPath(path string, records []session.Record) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return badRequest(err)
	}
	for _, rec := range records {
		for _, known := range append(lo.Values(rec.ExportedModels), rec.BestModelPath) {
			if known == "" {
				continue
			}
			if knownAbs, err := filepath.Abs(known); err == nil && knownAbs == abs {
				return nil
			}
		}
	}
	if within(s.opts.Config.Training.Project, abs) {
		return nil
	}
	return &httpError{status: http.StatusForbidden, err: errors.Wrap(errForbiddenPath, path)}
}

// checkLabelsPath allows label files from the dataset or the training project.
func (s *Server) checkLabelsPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return badRequest(err)
	}
	if within(s.opts.Config.Training.Project, abs) || within(s.opts.Config.Dataset.Dir, abs) {
		return nil
	}
	return &httpError{status: http.StatusForbidden, err: errors.Wrap(errForbiddenPath, path)}
}

// within reports whether abs is strictly inside dir.
func within(dir, abs string) bool {
	if dir == "" {
		return false
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
