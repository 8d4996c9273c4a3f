package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/nutriscan/nutriscan/nutrition"
)

type analyzeRequest struct {
	FoodName string `json:"food_name" binding:"required"`
	Language string `json:"language"`
}

type analyzeBatchRequest struct {
	FoodNames []string `json:"food_names" binding:"required,min=1,dive,required"`
	Language  string   `json:"language"`
}

func (s *Server) language(lang string) string {
	if lang == "" {
		return s.opts.Config.Nutrition.Language
	}
	return nutrition.NormalizeLanguage(lang)
}

func (s *Server) analyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest(err))
		return
	}
	info, err := s.opts.Nutrition.Analyze(c.Request.Context(), req.FoodName, s.language(req.Language))
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, info)
}

func (s *Server) analyzeBatch(c *gin.Context) {
	var req analyzeBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest(err))
		return
	}
	infos, err := s.opts.Nutrition.AnalyzeBatch(c.Request.Context(), req.FoodNames, s.language(req.Language))
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, infos)
}

func (s *Server) testNutrition(c *gin.Context) {
	status := s.opts.Nutrition.TestConnection(c.Request.Context())
	if !status.Success {
		c.JSON(http.StatusBadGateway, response{
			Data:  status,
			Error: lo.CoalesceOrEmpty(status.Error, status.Message),
		})
		return
	}
	success(c, status)
}
