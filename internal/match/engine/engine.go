// Package engine implements the allocation cascade. It is deterministic and
// performs no I/O; callers resolve invoices and persist the outcome.
package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	invdomain "github.com/smallbiznis/cashup/internal/invoice/domain"
	"github.com/smallbiznis/cashup/internal/match/domain"
	"github.com/smallbiznis/cashup/internal/money"
	txndomain "github.com/smallbiznis/cashup/internal/transaction/domain"
)

// Policy tunes the cascade without changing its rule order.
type Policy struct {
	// AmountTolerancePct widens the exact-match comparisons in the perfect
	// rules by a percentage of the payment amount. Zero means exact.
	AmountTolerancePct float64

	// ShortWriteOffThreshold is the largest over-payment remainder that is
	// written off instead of left unapplied.
	ShortWriteOffThreshold money.Amount

	// AutoApplyCeiling caps autonomous posting; larger payments are routed
	// to review regardless of match class. Zero means unlimited.
	AutoApplyCeiling money.Amount

	RequireCustomerMatch   bool
	AllowPartialAllocation bool
	PerfectMatchOnly       bool

	// AutonomousPostingEnabled gates ERP writes entirely. When false every
	// postable outcome is routed to review instead.
	AutonomousPostingEnabled bool

	// ConfirmationOnMatch adds a confirmation dispatch to clean matches.
	ConfirmationOnMatch bool
}

// Payment is the matcher's view of the transaction under allocation.
type Payment struct {
	TransactionID string
	Amount        money.Amount
	Currency      string
}

// Input carries everything one Match call needs.
type Input struct {
	Payment            Payment
	CandidateIDs       []string
	Invoices           []invdomain.Invoice
	CustomerIdentifier string

	// DuplicateSuspect is set when a prior matched payment with the same
	// account, amount, and currency was found inside the probe window.
	DuplicateSuspect bool

	Policy Policy
}

// Allocation is one proposed application before persistence.
type Allocation struct {
	Invoice       invdomain.Invoice
	AmountApplied money.Amount
}

// Outcome is the full result of one cascade evaluation.
type Outcome struct {
	Result      domain.MatchResult
	Allocations []Allocation
	Actions     []domain.Action
}

// Match runs the cascade and classifies the outcome.
func Match(in Input) Outcome {
	started := time.Now()
	var log matchLog

	out := evaluate(in, &log)
	out = applyPolicyGates(out, in, &log)

	out.Result.TransactionID = in.Payment.TransactionID
	out.Result.AlgorithmVersion = domain.AlgorithmVersion
	out.Result.LogEntry = log.String()
	out.Result.ProcessingTimeMs = time.Since(started).Milliseconds()
	out.Result.Matches = toMatches(out.Allocations)

	if err := verify(in.Payment, out); err != nil {
		return invariantFailure(in, err, &log, started)
	}

	out.Actions = Recommend(out.Result, in.Policy)
	return out
}

func evaluate(in Input, log *matchLog) Outcome {
	amount := in.Payment.Amount

	if in.DuplicateSuspect {
		log.addf("duplicate probe hit for account within window")
		return review(amount, domain.DiscrepancyDuplicatePayment, 0)
	}

	candidates := dedupeInvoices(in.Invoices)

	// Rule 1: currency guard over every resolved candidate.
	for _, inv := range candidates {
		if inv.Currency != in.Payment.Currency {
			log.addf("rule1: invoice %s currency %s != payment %s", inv.ExternalInvoiceID, inv.Currency, in.Payment.Currency)
			return unmatched(amount, domain.DiscrepancyCurrencyMismatch)
		}
	}

	payable := filterPayable(candidates)

	// Rule 6: nothing to allocate against.
	if len(payable) == 0 {
		if len(in.CandidateIDs) > 0 {
			log.addf("rule6: %d candidate ids, none payable in ERP", len(in.CandidateIDs))
			return unmatched(amount, domain.DiscrepancyInvalidInvoice)
		}
		log.addf("rule6: extractor returned no invoice ids")
		return unmatched(amount, domain.DiscrepancyNone)
	}

	tolerance := in.Policy.AmountTolerancePct

	// Rule 2: perfect 1:1.
	if one, ok := singleEqual(payable, amount, tolerance); ok {
		log.addf("rule2: single invoice %s amount_due %s matches payment %s", one.ExternalInvoiceID, one.AmountDue, amount)
		applied := amount.Min(one.AmountDue)
		writeOff := amount.Sub(applied)
		return Outcome{
			Result: domain.MatchResult{
				Status:          txndomain.StatusMatched,
				UnappliedAmount: money.Amount{},
				WriteOffAmount:  writeOff,
				DiscrepancyCode: domain.DiscrepancyNone,
				Confidence:      0.99,
			},
			Allocations: []Allocation{{Invoice: one, AmountApplied: applied}},
		}
	}

	// Rule 3: perfect 1:N sum. With partial allocation disabled the sum
	// comparison must be exact, not merely within tolerance.
	dueTotal := sumDue(payable)
	sumMatches := amount.WithinTolerance(dueTotal, tolerance)
	if !in.Policy.AllowPartialAllocation {
		sumMatches = amount.Equal(dueTotal)
	}
	if len(payable) > 1 && sumMatches {
		log.addf("rule3: %d invoices sum %s matches payment %s", len(payable), dueTotal, amount)
		allocations, writeOff := allocateFull(payable, amount)
		return Outcome{
			Result: domain.MatchResult{
				Status:          txndomain.StatusMatched,
				UnappliedAmount: money.Amount{},
				WriteOffAmount:  writeOff,
				DiscrepancyCode: domain.DiscrepancyNone,
				Confidence:      0.95,
			},
			Allocations: allocations,
		}
	}

	// Rule 4: sequential short-payment fill, oldest first.
	if amount.LessThan(dueTotal) {
		if !in.Policy.AllowPartialAllocation && len(payable) > 1 {
			log.addf("rule4: short payment %s of %s needs a multi-invoice split but partial allocation is disabled", amount, dueTotal)
			return review(amount, domain.DiscrepancyShortPayment, 0)
		}
		allocations := fillOldestFirst(payable, amount)
		log.addf("rule4: short payment %s across %d of %d invoices", amount, len(allocations), len(payable))
		return Outcome{
			Result: domain.MatchResult{
				Status:          txndomain.StatusPartiallyMatched,
				UnappliedAmount: money.Amount{},
				WriteOffAmount:  money.Amount{},
				DiscrepancyCode: domain.DiscrepancyShortPayment,
				Confidence:      0.85,
			},
			Allocations: allocations,
		}
	}

	// Rule 5: over-payment. Every invoice is fully payable here.
	remainder := amount.Sub(dueTotal)
	allocations, _ := allocateFull(payable, dueTotal)
	if !in.Policy.ShortWriteOffThreshold.IsZero() && !remainder.GreaterThan(in.Policy.ShortWriteOffThreshold) {
		log.addf("rule5: over-payment remainder %s within write-off threshold %s", remainder, in.Policy.ShortWriteOffThreshold)
		return Outcome{
			Result: domain.MatchResult{
				Status:          txndomain.StatusMatched,
				UnappliedAmount: money.Amount{},
				WriteOffAmount:  remainder,
				DiscrepancyCode: domain.DiscrepancyOverPayment,
				Confidence:      0.80,
			},
			Allocations: allocations,
		}
	}
	log.addf("rule5: over-payment remainder %s left unapplied", remainder)
	return Outcome{
		Result: domain.MatchResult{
			Status:          txndomain.StatusPartiallyMatched,
			UnappliedAmount: remainder,
			WriteOffAmount:  money.Amount{},
			DiscrepancyCode: domain.DiscrepancyOverPayment,
			Confidence:      0.70,
		},
		Allocations: allocations,
	}
}

// verify enforces the post-allocation invariants and the policy downgrades
// that run after classification.
func verify(payment Payment, out Outcome) error {
	seen := map[string]struct{}{}
	for _, alloc := range out.Allocations {
		if !alloc.AmountApplied.IsPositive() {
			return fmt.Errorf("%w: non-positive application to %s", domain.ErrInvariantViolation, alloc.Invoice.ExternalInvoiceID)
		}
		if alloc.AmountApplied.GreaterThan(alloc.Invoice.AmountDue) {
			return fmt.Errorf("%w: application %s exceeds amount_due %s on %s",
				domain.ErrInvariantViolation, alloc.AmountApplied, alloc.Invoice.AmountDue, alloc.Invoice.ExternalInvoiceID)
		}
		if _, dup := seen[alloc.Invoice.ExternalInvoiceID]; dup {
			return fmt.Errorf("%w: invoice %s allocated twice", domain.ErrInvariantViolation, alloc.Invoice.ExternalInvoiceID)
		}
		seen[alloc.Invoice.ExternalInvoiceID] = struct{}{}
	}
	return out.Result.CheckConservation(payment.Amount)
}

func invariantFailure(in Input, err error, log *matchLog, started time.Time) Outcome {
	log.addf("invariant violation: %v", err)
	result := domain.MatchResult{
		TransactionID:       in.Payment.TransactionID,
		Status:              txndomain.StatusError,
		UnappliedAmount:     in.Payment.Amount,
		DiscrepancyCode:     domain.DiscrepancyNone,
		Confidence:          0,
		AlgorithmVersion:    domain.AlgorithmVersion,
		LogEntry:            log.String(),
		RequiresHumanReview: true,
		ProcessingTimeMs:    time.Since(started).Milliseconds(),
	}
	return Outcome{
		Result:  result,
		Actions: []domain.Action{domain.ActionRaiseInternalAlert},
	}
}

// applyPolicyGates downgrades postable outcomes that the policy routes to a
// human instead. Allocations are kept on the result so reviewers see the
// proposed split.
func applyPolicyGates(out Outcome, in Input, log *matchLog) Outcome {
	if out.Result.Status != txndomain.StatusMatched && out.Result.Status != txndomain.StatusPartiallyMatched {
		return out
	}

	policy := in.Policy
	switch {
	case policy.RequireCustomerMatch && !customerMatches(in.CustomerIdentifier, out.Allocations):
		log.addf("gate: customer identifier %q unverified", in.CustomerIdentifier)
	case policy.PerfectMatchOnly && !isPerfect(out.Result):
		log.addf("gate: perfect_match_only rejects %s/%s", out.Result.Status, out.Result.DiscrepancyCode)
	case !policy.AutoApplyCeiling.IsZero() && in.Payment.Amount.GreaterThan(policy.AutoApplyCeiling):
		log.addf("gate: payment %s exceeds auto-apply ceiling %s", in.Payment.Amount, policy.AutoApplyCeiling)
	case !policy.AutonomousPostingEnabled:
		log.addf("gate: autonomous ERP updates disabled")
	default:
		return out
	}

	out.Result.Status = txndomain.StatusRequiresReview
	out.Result.RequiresHumanReview = true
	return out
}

func customerMatches(identifier string, allocations []Allocation) bool {
	if strings.TrimSpace(identifier) == "" {
		return false
	}
	for _, alloc := range allocations {
		if alloc.Invoice.CustomerID != "" && alloc.Invoice.CustomerID != identifier {
			return false
		}
	}
	return true
}

func isPerfect(result domain.MatchResult) bool {
	return result.Status == txndomain.StatusMatched && result.DiscrepancyCode == domain.DiscrepancyNone
}

// Recommend derives the branch actions from the final classification.
// The orchestrator also calls it when it adopts a match result persisted
// by a crashed run, so recommendations must derive from persisted fields
// only.
func Recommend(result domain.MatchResult, policy Policy) []domain.Action {
	switch result.Status {
	case txndomain.StatusMatched:
		actions := []domain.Action{domain.ActionPostApplication}
		if result.DiscrepancyCode == domain.DiscrepancyNone && policy.ConfirmationOnMatch {
			actions = append(actions, domain.ActionSendConfirmation)
		}
		return actions
	case txndomain.StatusPartiallyMatched:
		if result.DiscrepancyCode == domain.DiscrepancyShortPayment {
			return []domain.Action{domain.ActionPostApplication, domain.ActionRequestClarification}
		}
		return []domain.Action{domain.ActionPostApplication, domain.ActionRaiseInternalAlert}
	default:
		return []domain.Action{domain.ActionRaiseInternalAlert}
	}
}

func toMatches(allocations []Allocation) []domain.InvoicePaymentMatch {
	matches := make([]domain.InvoicePaymentMatch, 0, len(allocations))
	for _, alloc := range allocations {
		matches = append(matches, domain.InvoicePaymentMatch{
			InvoiceID:         alloc.Invoice.ID,
			ExternalInvoiceID: alloc.Invoice.ExternalInvoiceID,
			AmountApplied:     alloc.AmountApplied,
		})
	}
	return matches
}

func unmatched(amount money.Amount, code domain.DiscrepancyCode) Outcome {
	return Outcome{
		Result: domain.MatchResult{
			Status:          txndomain.StatusUnmatched,
			UnappliedAmount: amount,
			DiscrepancyCode: code,
			Confidence:      0,
		},
	}
}

func review(amount money.Amount, code domain.DiscrepancyCode, confidence float64) Outcome {
	return Outcome{
		Result: domain.MatchResult{
			Status:              txndomain.StatusRequiresReview,
			UnappliedAmount:     amount,
			DiscrepancyCode:     code,
			Confidence:          confidence,
			RequiresHumanReview: true,
		},
	}
}

func dedupeInvoices(invoices []invdomain.Invoice) []invdomain.Invoice {
	out := make([]invdomain.Invoice, 0, len(invoices))
	seen := map[string]struct{}{}
	for _, inv := range invoices {
		key := inv.ERPSystem + "/" + inv.ExternalInvoiceID
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, inv)
	}
	return out
}

func filterPayable(invoices []invdomain.Invoice) []invdomain.Invoice {
	out := make([]invdomain.Invoice, 0, len(invoices))
	for _, inv := range invoices {
		if inv.Status.Payable() && inv.AmountDue.IsPositive() {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExternalInvoiceID < out[j].ExternalInvoiceID
	})
	return out
}

func singleEqual(invoices []invdomain.Invoice, amount money.Amount, tolerancePct float64) (invdomain.Invoice, bool) {
	var hit invdomain.Invoice
	count := 0
	for _, inv := range invoices {
		if inv.AmountDue.WithinTolerance(amount, tolerancePct) {
			hit = inv
			count++
		}
	}
	if count == 1 {
		return hit, true
	}
	return invdomain.Invoice{}, false
}

func sumDue(invoices []invdomain.Invoice) money.Amount {
	total := money.Amount{}
	for _, inv := range invoices {
		total = total.Add(inv.AmountDue)
	}
	return total
}

// allocateFull applies each invoice's full amount_due. When the payment is
// slightly under the due total (tolerance hit) the final allocation shrinks
// so applications never exceed the payment; any excess becomes write-off.
func allocateFull(invoices []invdomain.Invoice, amount money.Amount) ([]Allocation, money.Amount) {
	allocations := make([]Allocation, 0, len(invoices))
	remaining := amount
	for _, inv := range invoices {
		applied := inv.AmountDue.Min(remaining)
		if !applied.IsPositive() {
			break
		}
		allocations = append(allocations, Allocation{Invoice: inv, AmountApplied: applied})
		remaining = remaining.Sub(applied)
	}
	return allocations, remaining
}

func fillOldestFirst(invoices []invdomain.Invoice, amount money.Amount) []Allocation {
	ordered := make([]invdomain.Invoice, len(invoices))
	copy(ordered, invoices)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		switch {
		case a.DueDate == nil && b.DueDate == nil:
			return a.ExternalInvoiceID < b.ExternalInvoiceID
		case a.DueDate == nil:
			return false
		case b.DueDate == nil:
			return true
		case a.DueDate.Equal(*b.DueDate):
			return a.ExternalInvoiceID < b.ExternalInvoiceID
		default:
			return a.DueDate.Before(*b.DueDate)
		}
	})

	allocations := make([]Allocation, 0, len(ordered))
	remaining := amount
	for _, inv := range ordered {
		if !remaining.IsPositive() {
			break
		}
		applied := inv.AmountDue.Min(remaining)
		allocations = append(allocations, Allocation{Invoice: inv, AmountApplied: applied})
		remaining = remaining.Sub(applied)
	}
	return allocations
}

type matchLog struct {
	entries []string
}

func (l *matchLog) addf(format string, args ...interface{}) {
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
}

func (l *matchLog) String() string {
	return strings.Join(l.entries, "; ")
}
