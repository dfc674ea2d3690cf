package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/cashup/internal/audit/domain"
	"github.com/smallbiznis/cashup/pkg/db/pagination"
)

type auditEventsQuery struct {
	PageToken     string `form:"page_token"`
	PageSize      int    `form:"page_size,default=50"`
	TransactionID string `form:"transaction_id"`
	CorrelationID string `form:"correlation_id"`
	EventType     string `form:"event_type"`
	Source        string `form:"source"`
}

func (s *Server) QueryAuditEvents(c *gin.Context) {
	var query auditEventsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.auditSvc.Query(c.Request.Context(), auditdomain.Filter{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		TransactionID: strings.TrimSpace(query.TransactionID),
		CorrelationID: strings.TrimSpace(query.CorrelationID),
		EventType:     strings.TrimSpace(query.EventType),
		Source:        strings.TrimSpace(query.Source),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp.Events, "page_info": resp.PageInfo})
}
