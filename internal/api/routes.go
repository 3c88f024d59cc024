package api

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"review-sentiment/internal/predict"
	"review-sentiment/internal/store"
)

// Page copy shown above the review form.
const (
	FormTitle       = "Write a movie review"
	FormDescription = "Enter a review for a movie you've seen.  This tool will try to guess whether your review is positive or negative."
)

// maxListOffset caps page*pageSize so huge page numbers cannot overflow.
const maxListOffset = 1 << 31

//go:embed templates/*.html
var templateFS embed.FS

// Config defines server dependencies.
type Config struct {
	// DBPath enables the prediction log when set.
	DBPath         string
	SilentDB       bool
	AllowedOrigins []string
}

// Server wires HTTP handlers with the predictor and the optional prediction log.
type Server struct {
	predictor      *predict.Predictor
	db             *store.Database
	allowedOrigins []string
}

// NewServer constructs the API server around a loaded predictor.
func NewServer(cfg Config, predictor *predict.Predictor) (*Server, error) {
	if predictor == nil {
		return nil, errors.New("predictor required")
	}
	server := &Server{
		predictor:      predictor,
		allowedOrigins: cfg.AllowedOrigins,
	}
	if path := strings.TrimSpace(cfg.DBPath); path != "" {
		db, err := store.Open(path, cfg.SilentDB)
		if err != nil {
			return nil, fmt.Errorf("open prediction log: %w", err)
		}
		server.db = db
		logrus.WithField("path", path).Info("prediction log enabled")
	} else {
		logrus.Info("prediction log disabled - no database path configured")
	}
	return server, nil
}

// Close releases the prediction log, if any.
func (s *Server) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Router configures gin routes.
func (s *Server) Router() (*gin.Engine, error) {
	r := gin.Default()

	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	r.SetHTMLTemplate(tmpl)

	corsCfg := cors.DefaultConfig()
	if len(s.allowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.allowedOrigins
		corsCfg.AllowCredentials = true
	}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	r.Use(cors.New(corsCfg))

	r.GET("/", s.handleForm)
	r.POST("/", s.handleFormSubmit)

	api := r.Group("/api")
	{
		api.GET("/healthz", s.handleHealth)
		api.GET("/config", s.handleConfig)
		api.POST("/predict", s.handlePredict)
		api.GET("/predict/stream", s.handlePredictStream)
		api.GET("/predictions", s.handleListPredictions)
		api.GET("/predictions/:requestID", s.handleGetPrediction)
		api.GET("/stats/labels", s.handleLabelStats)
	}

	return r, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleConfig(c *gin.Context) {
	info := s.predictor.Info()
	cfg := info.Config
	c.JSON(http.StatusOK, gin.H{
		"title":          FormTitle,
		"description":    FormDescription,
		"labels":         []string{predict.Negative, predict.Positive},
		"prediction_log": s.db != nil,
		"model": ModelDTO{
			Type:          cfg.ModelType,
			Backend:       info.Backend,
			VocabSize:     cfg.VocabSize,
			Dim:           cfg.Dim,
			Layers:        cfg.Layers,
			Heads:         cfg.Heads,
			HiddenDim:     cfg.HiddenDim,
			MaxPosition:   cfg.MaxPositionEmbeddings,
			MaxLength:     info.MaxLength,
			Parameters:    info.Parameters,
			CheckpointDir: info.Dir,
			ID2Label:      cfg.Labels(),
		},
	})
}

func (s *Server) handleForm(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", formPage("", "", ""))
}

func (s *Server) handleFormSubmit(c *gin.Context) {
	text := c.PostForm("text")
	requestID := uuid.NewString()
	res, err := s.classify(requestID, store.SourceForm, text)
	if err != nil {
		status := statusForPredictError(err)
		c.HTML(status, "index.html", formPage(text, "", err.Error()))
		return
	}
	c.HTML(http.StatusOK, "index.html", formPage(text, res.Label, ""))
}

func (s *Server) handlePredict(c *gin.Context) {
	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	requestID := uuid.NewString()
	res, err := s.classify(requestID, store.SourceAPI, req.Text)
	if err != nil {
		s.renderError(c, statusForPredictError(err), err)
		return
	}
	c.JSON(http.StatusOK, responseFromResult(requestID, res))
}

// classify runs one prediction and appends it to the log. Log failures are
// reported but never fail the prediction.
func (s *Server) classify(requestID, source, text string) (predict.Result, error) {
	res, err := s.predictor.Classify(text)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID,
			"source":     source,
			"chars":      len(text),
		}).Warn("prediction failed")
		return predict.Result{}, err
	}
	logrus.WithFields(logrus.Fields{
		"request_id": requestID,
		"source":     source,
		"label":      res.Label,
		"tokens":     res.Tokens,
		"duration":   res.Duration,
	}).Debug("prediction served")

	if s.db != nil {
		row := &store.Prediction{
			RequestID:        requestID,
			Source:           source,
			Text:             text,
			Label:            res.Label,
			Tokens:           res.Tokens,
			ProcessingTimeMs: res.Duration.Milliseconds(),
		}
		if err := s.db.SavePrediction(row); err != nil {
			logrus.WithError(err).WithField("request_id", requestID).Warn("record prediction")
		}
	}
	return res, nil
}

func (s *Server) handleListPredictions(c *gin.Context) {
	if s.db == nil {
		s.renderError(c, http.StatusNotFound, errors.New("prediction log disabled"))
		return
	}
	page, _ := strconv.Atoi(c.Query("page"))
	if page < 0 {
		page = 0
	}
	pageSize, _ := strconv.Atoi(c.Query("pageSize"))
	if pageSize <= 0 {
		pageSize = 25
	}
	if pageSize > 500 {
		pageSize = 500
	}
	if page > maxListOffset/pageSize {
		page = maxListOffset / pageSize
	}

	rows, total, err := s.db.ListPredictions(store.PredictionQuery{
		Label:  c.Query("label"),
		Source: c.Query("source"),
		Query:  c.Query("q"),
		Offset: page * pageSize,
		Limit:  pageSize,
	})
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	dtos := make([]PredictionDTO, 0, len(rows))
	for _, row := range rows {
		dtos = append(dtos, PredictionFromModel(row))
	}
	c.JSON(http.StatusOK, PredictionsResponse{Items: dtos, Total: total})
}

func (s *Server) handleGetPrediction(c *gin.Context) {
	if s.db == nil {
		s.renderError(c, http.StatusNotFound, errors.New("prediction log disabled"))
		return
	}
	requestID := strings.TrimSpace(c.Param("requestID"))
	row, err := s.db.GetPrediction(requestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.renderError(c, http.StatusNotFound, fmt.Errorf("prediction %s not found", requestID))
		} else {
			s.renderError(c, http.StatusInternalServerError, err)
		}
		return
	}
	c.JSON(http.StatusOK, PredictionFromModel(*row))
}

func (s *Server) handleLabelStats(c *gin.Context) {
	if s.db == nil {
		s.renderError(c, http.StatusNotFound, errors.New("prediction log disabled"))
		return
	}
	counts, err := s.db.CountByLabel()
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	items := make([]LabelCountDTO, 0, len(counts))
	for _, count := range counts {
		items = append(items, LabelCountDTO{Label: count.Label, Total: count.Total})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) renderError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusForPredictError(err error) int {
	var inferErr *predict.InferenceError
	if errors.As(err, &inferErr) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func formPage(text, label, errMsg string) gin.H {
	return gin.H{
		"Title":       FormTitle,
		"Description": FormDescription,
		"Text":        text,
		"Label":       label,
		"Error":       errMsg,
	}
}
