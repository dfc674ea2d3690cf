package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	extractdomain "github.com/smallbiznis/cashup/internal/extract/domain"
)

type extractRequest struct {
	RemittanceText      string   `json:"remittance_text"`
	DocumentURIs        []string `json:"document_uris"`
	TierPreference      string   `json:"tier_preference"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	ClientID            string   `json:"client_id"`
}

// Extract runs the extraction cascade directly, outside any workflow.
// Useful for remittance triage and for tuning tier thresholds.
func (s *Server) Extract(c *gin.Context) {
	var req extractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.RemittanceText) == "" && len(req.DocumentURIs) == 0 {
		AbortWithError(c, newValidationError("remittance_text", "required", "remittance_text or document_uris is required"))
		return
	}
	if _, err := extractdomain.ParseTier(req.TierPreference); err != nil {
		AbortWithError(c, err)
		return
	}

	threshold := req.ConfidenceThreshold
	if threshold <= 0 {
		threshold = s.cfg.Extractor.ConfidenceThreshold
	}

	result, err := s.extractor.Extract(c.Request.Context(), extractdomain.Request{
		DocumentURIs:        req.DocumentURIs,
		RemittanceText:      req.RemittanceText,
		ClientID:            strings.TrimSpace(req.ClientID),
		TierPreference:      req.TierPreference,
		ConfidenceThreshold: threshold,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
