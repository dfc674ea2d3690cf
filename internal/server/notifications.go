package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	commdomain "github.com/smallbiznis/cashup/internal/communicator/domain"
)

type dispatchNotificationRequest struct {
	Kind          string         `json:"kind"`
	Recipient     string         `json:"recipient"`
	TemplateName  string         `json:"template_name"`
	Data          map[string]any `json:"data"`
	Priority      string         `json:"priority"`
	ScheduledAt   *time.Time     `json:"scheduled_at"`
	TransactionID string         `json:"transaction_id"`
}

// DispatchNotification sends a message through the communicator. A
// rate-limited recipient still gets the message queued; the 429 carries
// the receipt so callers can track the deferred delivery.
func (s *Server) DispatchNotification(c *gin.Context) {
	var req dispatchNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	kind, err := commdomain.ParseKind(req.Kind)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	receipt, err := s.comms.Dispatch(c.Request.Context(), commdomain.Event{
		Kind:          kind,
		Recipient:     strings.TrimSpace(req.Recipient),
		TemplateName:  strings.TrimSpace(req.TemplateName),
		Data:          req.Data,
		Priority:      commdomain.Priority(strings.TrimSpace(req.Priority)),
		ScheduledAt:   req.ScheduledAt,
		TransactionID: strings.TrimSpace(req.TransactionID),
	})
	if err != nil {
		if errors.Is(err, commdomain.ErrRateLimited) {
			c.JSON(http.StatusTooManyRequests, receipt)
			return
		}
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

func (s *Server) ListTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.templates.List()})
}
