package pattern

import (
	"context"
	"regexp"

	"github.com/smallbiznis/cashup/internal/extract/domain"
)

// classes are consulted strictest first. Matched spans are blanked
// before weaker classes run so a strict hit is never re-captured as a
// looser fragment (INV-2024-0042 must not also yield INV-2024).
var classes = []struct {
	re         *regexp.Regexp
	strictness float64
}{
	{regexp.MustCompile(`(?i)\bINV-\d{4}-\d{3,6}\b`), 1.0},
	{regexp.MustCompile(`(?i)\bINV[-_ ]?\d{3,10}\b`), 0.8},
	{regexp.MustCompile(`(?i)\b(?:invoice|bill)\s*(?:#|number|no\.?|nr\.?)?\s*[:\-]?\s*([A-Za-z0-9][A-Za-z0-9\-_/]{2,19})`), 0.6},
	{regexp.MustCompile(`(?i)\bPO[-_ ]?\d{3,10}\b`), 0.5},
}

// Extractor is the zero-cost tier: a fixed ordered regex set over the
// remittance text and any plain-text documents. It never fails.
type Extractor struct{}

func New() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Tier() domain.Tier {
	return domain.TierPattern
}

func (e *Extractor) CostEstimate() float64 {
	return 0
}

func (e *Extractor) Retryable() bool {
	return false
}

func (e *Extractor) Extract(_ context.Context, input domain.TierInput) (domain.TierResult, error) {
	var (
		all       []string
		strictest float64
		matches   int
	)

	ids, s, n := Scan(input.RemittanceText)
	all = append(all, ids...)
	strictest = maxFloat(strictest, s)
	matches += n

	perDoc := make([]domain.DocumentResult, 0, len(input.Documents))
	for _, doc := range input.Documents {
		if doc.Text == "" {
			perDoc = append(perDoc, domain.DocumentResult{URI: doc.URI, Error: "no text layer"})
			continue
		}
		docIDs, docStrict, docMatches := Scan(doc.Text)
		all = append(all, docIDs...)
		strictest = maxFloat(strictest, docStrict)
		matches += docMatches
		perDoc = append(perDoc, domain.DocumentResult{
			URI:        doc.URI,
			InvoiceIDs: docIDs,
			Confidence: Confidence(docMatches, docStrict),
		})
	}

	return domain.TierResult{
		InvoiceIDs:  domain.NormalizeIDs(all),
		Confidence:  Confidence(matches, strictest),
		PerDocument: perDoc,
	}, nil
}

// Scan runs the pattern classes over one text and returns normalized
// identifiers, the strictness of the strictest class that fired, and
// the raw match count.
func Scan(text string) (ids []string, strictest float64, matches int) {
	if text == "" {
		return nil, 0, 0
	}
	masked := []byte(text)
	for _, class := range classes {
		locs := class.re.FindAllSubmatchIndex(masked, -1)
		for _, loc := range locs {
			start, end := loc[0], loc[1]
			idStart, idEnd := start, end
			if len(loc) > 2 && loc[2] >= 0 {
				idStart, idEnd = loc[2], loc[3]
			}
			id := domain.NormalizeID(string(masked[idStart:idEnd]))
			if id == "" {
				continue
			}
			ids = append(ids, id)
			matches++
			if class.strictness > strictest {
				strictest = class.strictness
			}
			for i := start; i < end; i++ {
				masked[i] = ' '
			}
		}
	}
	return domain.NormalizeIDs(ids), strictest, matches
}

// Confidence is the pattern tier heuristic. Zero matches always score
// zero; otherwise the score grows with match count and the strictest
// format class seen, capped at 1.
func Confidence(matches int, strictest float64) float64 {
	if matches <= 0 {
		return 0
	}
	score := 0.5 + 0.1*float64(matches) + 0.2*strictest
	if score > 1.0 {
		return 1.0
	}
	return score
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
