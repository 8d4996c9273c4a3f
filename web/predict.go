package web

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/nutriscan/nutriscan/internal"
	"github.com/nutriscan/nutriscan/ml"
	"github.com/nutriscan/nutriscan/ml/inference"
	"github.com/nutriscan/nutriscan/session"
	"github.com/nutriscan/nutriscan/vision/objectdetection"
)

type predictResponse struct {
	Model      string                          `json:"model"`
	Detections []objectdetection.JSONDetection `json:"detections"`
}

// predict runs a model on an uploaded image. Without a model field the best model of the
// highest scoring completed session is used; a given model must be one this server trained.
func (s *Server) predict(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		s.fail(c, badRequest(errors.Wrap(err, "an image upload is required")))
		return
	}
	opts, err := predictOptions(c)
	if err != nil {
		s.fail(c, badRequest(err))
		return
	}
	records, err := s.opts.Store.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	model := c.PostForm("model")
	if model == "" {
		if model, err = bestModel(records); err != nil {
			s.fail(c, err)
			return
		}
	} else if err := s.checkModelPath(model, records); err != nil {
		s.fail(c, err)
		return
	}
	labels := c.PostForm("labels")
	if labels != "" {
		if err := s.checkLabelsPath(labels); err != nil {
			s.fail(c, err)
			return
		}
	}

	dir, err := os.MkdirTemp("", "nutriscan-predict")
	if err != nil {
		s.fail(c, err)
		return
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Debugw("could not remove upload", "dir", dir, "error", err)
		}
	}()
	imagePath := filepath.Join(dir, "upload"+filepath.Ext(filepath.Base(file.Filename)))
	if err := c.SaveUploadedFile(file, imagePath); err != nil {
		s.fail(c, err)
		return
	}

	dets, err := inference.Predict(c.Request.Context(),
		internal.ModelOptions(s.opts.Config, model, labels, s.opts.Runner),
		imagePath, opts, s.logger.Sublogger("predict"))
	if err != nil {
		if errors.Is(err, ml.ErrCheckpointNotFound) || errors.Is(err, ml.ErrImageNotFound) {
			err = badRequest(err)
		}
		s.fail(c, err)
		return
	}
	success(c, predictResponse{Model: model, Detections: objectdetection.ToJSON(dets)})
}

func predictOptions(c *gin.Context) (ml.PredictOptions, error) {
	opts := ml.DefaultPredictOptions()
	for field, dst := range map[string]*float64{"conf": &opts.Conf, "iou": &opts.IoU} {
		raw := c.PostForm(field)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			return opts, errors.Errorf("%s must be a number between 0 and 1, got %q", field, raw)
		}
		*dst = v
	}
	return opts, nil
}

// bestModel is the best checkpoint of the highest scoring completed session.
func bestModel(records []session.Record) (string, error) {
	best := session.Summarize(records).BestSessionID
	for _, rec := range records {
		if rec.ID == best && rec.BestModelPath != "" {
			return rec.BestModelPath, nil
		}
	}
	return "", badRequest(errors.New("no model given and no completed session has one"))
}
