package api

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sua-org/cam-console/internal/alerts"
)

// PostAlertHandler recebe um alerta do processo de análise.
func (s *Server) PostAlertHandler(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxAlertBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "falha lendo corpo"})
		return
	}
	if len(body) > maxAlertBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "alerta grande demais"})
		return
	}

	evt, err := alerts.DecodeAlert(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stored, err := s.bus.Publish(c.Request.Context(), evt)
	switch {
	case err == nil, alerts.IsPersistenceError(err):
		// falha de persistência já foi logada; entrega aconteceu
		c.JSON(http.StatusAccepted, stored)
	case errors.Is(err, alerts.ErrBusClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "console encerrando"})
	default:
		log.Printf("[api] erro publicando alerta: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

// ListAlertsHandler devolve o histórico, do mais novo para o mais antigo.
func (s *Server) ListAlertsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.bus.History())
}

func (s *Server) StreamsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.relay.Streams())
}

func (s *Server) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"viewers":     s.relay.Viewers(),
		"subscribers": s.bus.Subscribers(),
		"alerts":      s.bus.Total(),
	})
}
