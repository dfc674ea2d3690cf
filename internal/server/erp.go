package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	erpdomain "github.com/smallbiznis/cashup/internal/erp/domain"
	"github.com/smallbiznis/cashup/internal/money"
)

type fetchInvoicesRequest struct {
	ERPSystem  string   `json:"erp_system"`
	InvoiceIDs []string `json:"invoice_ids"`
	CustomerID string   `json:"customer_id"`
}

// FetchInvoices resolves invoice ids against the ERP without starting a
// workflow. Resolved invoices are snapshotted locally as a side effect.
func (s *Server) FetchInvoices(c *gin.Context) {
	var req fetchInvoicesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if len(req.InvoiceIDs) == 0 && strings.TrimSpace(req.CustomerID) == "" {
		AbortWithError(c, newValidationError("invoice_ids", "required", "invoice_ids or customer_id is required"))
		return
	}

	result, err := s.erp.FetchInvoices(c.Request.Context(), s.resolveSystem(req.ERPSystem), req.InvoiceIDs, req.CustomerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type applicationLineRequest struct {
	InvoiceID     string `json:"invoice_id"`
	AmountApplied string `json:"amount_applied"`
}

type postApplicationRequest struct {
	TransactionID string                   `json:"transaction_id"`
	CustomerID    string                   `json:"customer_id"`
	ERPSystem     string                   `json:"erp_system"`
	Lines         []applicationLineRequest `json:"lines"`
	TotalAmount   string                   `json:"total_amount"`
	Currency      string                   `json:"currency"`
}

// PostApplication posts a manually assembled application through the
// facade, with the same idempotency and retry guarantees workflows get.
func (s *Server) PostApplication(c *gin.Context) {
	var req postApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	lines := make([]erpdomain.ApplicationLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		amount, err := money.Parse(line.AmountApplied)
		if err != nil {
			AbortWithError(c, newValidationError("lines.amount_applied", "invalid_amount", "amount_applied must be a fixed-point decimal string"))
			return
		}
		lines = append(lines, erpdomain.ApplicationLine{
			InvoiceID:     line.InvoiceID,
			AmountApplied: amount,
		})
	}
	total, err := money.Parse(req.TotalAmount)
	if err != nil {
		AbortWithError(c, newValidationError("total_amount", "invalid_amount", "total_amount must be a fixed-point decimal string"))
		return
	}

	result, err := s.erp.PostApplication(c.Request.Context(), erpdomain.Application{
		TransactionID: req.TransactionID,
		CustomerID:    req.CustomerID,
		ERPSystem:     s.resolveSystem(req.ERPSystem),
		Lines:         lines,
		TotalAmount:   total,
		Currency:      req.Currency,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) TestERPConnection(c *gin.Context) {
	system := strings.TrimSpace(c.Param("system"))
	status, err := s.erp.TestConnection(c.Request.Context(), system)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// resolveSystem falls back to the first configured system so single-ERP
// deployments can omit erp_system everywhere.
func (s *Server) resolveSystem(system string) string {
	if system = strings.TrimSpace(system); system != "" {
		return system
	}
	if systems := s.erp.Systems(); len(systems) > 0 {
		return systems[0]
	}
	return ""
}
