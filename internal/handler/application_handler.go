package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/space-intake-api/internal/dto"
	"github.com/noah-isme/space-intake-api/internal/models"
	"github.com/noah-isme/space-intake-api/pkg/response"
)

type applicationService interface {
	Create(ctx context.Context, sub dto.Submission) (*models.Application, string, error)
	Invoice(ctx context.Context) (string, error)
}

// ApplicationHandler exposes the public intake endpoints consumed by the
// application form.
type ApplicationHandler struct {
	service applicationService
}

// NewApplicationHandler builds a new handler.
func NewApplicationHandler(svc applicationService) *ApplicationHandler {
	return &ApplicationHandler{service: svc}
}

// Apply accepts a space application. The form reads a flat error field: null
// means accepted, any string is a refusal to show the applicant verbatim.
func (h *ApplicationHandler) Apply(c *gin.Context) {
	var sub dto.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	app, reported, err := h.service.Create(c.Request.Context(), sub)
	if err != nil {
		response.Error(c, err)
		return
	}
	if reported != "" {
		c.JSON(http.StatusOK, gin.H{"error": reported})
		return
	}
	c.JSON(http.StatusOK, gin.H{"error": nil, "schema": app.Schema})
}

// Invoice returns a fresh invoice for one month of hosting. A free
// deployment answers with a null invoice.
func (h *ApplicationHandler) Invoice(c *gin.Context) {
	invoice, err := h.service.Invoice(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	if invoice == "" {
		response.JSON(c, http.StatusOK, gin.H{"invoice": nil})
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"invoice": invoice})
}
