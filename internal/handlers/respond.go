// Package handlers implements the HTTP surface: gin handlers for cameras,
// agents, recordings, cron jobs, chat, settings, and the node scanner.
// Every handler is a thin adapter over a component (lifecycle
// controllers, recording.Supervisor, cronjob.Controller, chat.Router,
// settings.Facade, scanner.Scanner) that already returns typed
// *apperrors.AppError values, so the whole package shares a single
// error-to-JSON translation instead of each handler building its own
// gin.H{"error": ...} response the way the teacher's internal/handlers
// package does per call site.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
)

// respondError writes err as the standard ErrorResponse JSON shape,
// using the AppError's own StatusCode when err is one, and 500
// otherwise. Every handler in this package funnels failures here
// instead of calling c.JSON directly.
func respondError(c *gin.Context, err error) {
	var ae *apperrors.AppError
	if !errors.As(err, &ae) {
		ae = apperrors.Wrap(err)
	}
	c.JSON(ae.StatusCode, ae.ToResponse())
}

// respondOK writes a 200 with body, and respondCreated a 201.
func respondOK(c *gin.Context, body interface{}) {
	c.JSON(http.StatusOK, body)
}

func respondCreated(c *gin.Context, body interface{}) {
	c.JSON(http.StatusCreated, body)
}

func respondNoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
