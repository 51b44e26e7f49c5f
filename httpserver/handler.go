package httpserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/language"
	"github.com/isdmx/execbox/sandbox"
)

type executeRequest struct {
	Language     string   `json:"language" binding:"required"`
	Code         string   `json:"code" binding:"required"`
	Input        string   `json:"input"`
	Dependencies []string `json:"dependencies"`
}

type executeResponse struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Error  string `json:"error,omitempty"`
}

type handle struct {
	logger    *zap.Logger
	maxBody   int64
	executor  sandbox.SandboxExecutor
	languages *language.Registry
	health    HealthChecker
}

func (h *handle) Register(r *gin.Engine) {
	r.POST("/execute", h.handleExecute)
	r.GET("/health", h.handleHealth)
	r.GET("/languages", h.handleLanguages)
}

func (h *handle) handleExecute(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)

	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(err) //nolint:errcheck // recorded for the access log
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}

	res, err := h.executor.Execute(c.Request.Context(), sandbox.ExecuteRequest{
		Language:     req.Language,
		Code:         req.Code,
		Stdin:        req.Input,
		Dependencies: req.Dependencies,
	})
	if err != nil {
		c.Error(err) //nolint:errcheck // recorded for the access log
		c.AbortWithStatusJSON(http.StatusInternalServerError, executeResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, executeResponse{
		Stdout: res.Stdout,
		Stderr: res.Stderr,
		Error:  res.Error,
	})
}

func (h *handle) handleHealth(c *gin.Context) {
	if err := h.health.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handle) handleLanguages(c *gin.Context) {
	c.JSON(http.StatusOK, h.languages.Names())
}
