package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/cashup/internal/money"
	orchdomain "github.com/smallbiznis/cashup/internal/orchestrator/domain"
	txndomain "github.com/smallbiznis/cashup/internal/transaction/domain"
	"github.com/smallbiznis/cashup/pkg/db/pagination"
)

type startWorkflowRequest struct {
	TransactionID      string   `json:"transaction_id"`
	SourceAccountRef   string   `json:"source_account_ref"`
	Amount             string   `json:"amount"`
	Currency           string   `json:"currency"`
	ValueDate          string   `json:"value_date"`
	RawRemittanceData  string   `json:"raw_remittance_data"`
	CustomerIdentifier string   `json:"customer_identifier"`
	DocumentURIs       []string `json:"document_uris"`
	ERPSystem          string   `json:"erp_system"`
}

func (s *Server) StartWorkflow(c *gin.Context) {
	var req startWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be a fixed-point decimal string"))
		return
	}

	var valueDate time.Time
	if raw := strings.TrimSpace(req.ValueDate); raw != "" {
		valueDate, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, newValidationError("value_date", "invalid_timestamp", "value_date must be RFC3339"))
			return
		}
	}

	wf, claimed, err := s.workflows.Start(c.Request.Context(), orchdomain.SubmitTransaction{
		TransactionID:      req.TransactionID,
		SourceAccountRef:   req.SourceAccountRef,
		Amount:             amount,
		Currency:           req.Currency,
		ValueDate:          valueDate,
		RawRemittanceData:  req.RawRemittanceData,
		CustomerIdentifier: req.CustomerIdentifier,
		DocumentURIs:       req.DocumentURIs,
		ERPSystem:          req.ERPSystem,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if !claimed {
		c.JSON(http.StatusConflict, gin.H{
			"workflow_id": wf.WorkflowID,
			"status":      "Duplicate",
			"state":       wf.State,
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"workflow_id": wf.WorkflowID,
		"status":      "Accepted",
	})
}

type workflowError struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

type workflowResult struct {
	MatchResultID   string   `json:"match_result_id,omitempty"`
	Status          string   `json:"status,omitempty"`
	DiscrepancyCode string   `json:"discrepancy_code,omitempty"`
	Actions         []string `json:"actions,omitempty"`

	Posted           bool   `json:"posted"`
	ERPTransactionID string `json:"erp_transaction_id,omitempty"`
}

type workflowResponse struct {
	WorkflowID    string          `json:"workflow_id"`
	TransactionID string          `json:"transaction_id"`
	State         string          `json:"state"`
	Step          string          `json:"step"`
	CreatedAt     time.Time       `json:"created_at"`
	FinalizedAt   *time.Time      `json:"finalized_at,omitempty"`
	Result        *workflowResult `json:"result,omitempty"`
	Error         *workflowError  `json:"error,omitempty"`
}

// renderWorkflow projects the durable row into the poll response. The
// result block is built from the persisted checkpoints so it is
// available mid-flight, not only after finalization.
func renderWorkflow(wf orchdomain.Workflow) workflowResponse {
	resp := workflowResponse{
		WorkflowID:    wf.WorkflowID,
		TransactionID: wf.TransactionID,
		State:         string(wf.State),
		Step:          string(wf.Step),
		CreatedAt:     wf.CreatedAt,
		FinalizedAt:   wf.FinalizedAt,
	}
	if wf.ErrorReason != "" || wf.ErrorKind != "" {
		resp.Error = &workflowError{Kind: wf.ErrorKind, Reason: wf.ErrorReason}
	}

	var mcp orchdomain.MatchCheckpoint
	if ok, err := wf.Checkpoint(orchdomain.StepMatched, &mcp); err == nil && ok {
		result := workflowResult{
			MatchResultID:   mcp.MatchResultID,
			Status:          mcp.Status,
			DiscrepancyCode: mcp.DiscrepancyCode,
			Actions:         mcp.Actions,
		}
		var pcp orchdomain.PostCheckpoint
		if ok, err := wf.Checkpoint(orchdomain.StepPosted, &pcp); err == nil && ok {
			result.Posted = pcp.Posted
			result.ERPTransactionID = pcp.ERPTransactionID
		}
		resp.Result = &result
	}
	return resp
}

func (s *Server) GetWorkflow(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		AbortWithError(c, orchdomain.ErrNotFound)
		return
	}

	wf, err := s.workflows.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderWorkflow(wf))
}

func (s *Server) CancelWorkflow(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		AbortWithError(c, orchdomain.ErrNotFound)
		return
	}

	wf, err := s.workflows.Cancel(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"workflow_id": wf.WorkflowID,
		"status":      "CancelRequested",
	})
}

type listWorkflowsQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size,default=50"`
	State     string `form:"state"`
	Account   string `form:"account"`
}

func (s *Server) ListWorkflows(c *gin.Context) {
	var query listWorkflowsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	rows, pageInfo, err := s.workflows.List(c.Request.Context(), orchdomain.ListFilter{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		State:            txndomain.Status(strings.TrimSpace(query.State)),
		SourceAccountRef: strings.TrimSpace(query.Account),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	data := make([]workflowResponse, 0, len(rows))
	for _, wf := range rows {
		data = append(data, renderWorkflow(wf))
	}
	c.JSON(http.StatusOK, gin.H{"data": data, "page_info": pageInfo})
}
