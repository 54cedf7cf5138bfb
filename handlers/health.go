package handlers

import (
	"context"
	"net/http"
	"time"

	"tierwise.app/cloud/internal/logger"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Health reports unhealthy when the ledger cannot be reached, since every
// quota decision would be a denial.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   s.Version,
		Timestamp: time.Now().UTC(),
	}
	status := http.StatusOK

	if err := s.Storage.Ping(ctx); err != nil {
		logger.Warn("Health check failed", map[string]interface{}{
			"error": err.Error(),
		})
		response.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}
