package fingerprint

import (
	"time"

	fleeterrors "github.com/opsforge/fleetcap/internal/errors"
	"github.com/opsforge/fleetcap/internal/templates"
	"github.com/opsforge/fleetcap/internal/vendors"
	"github.com/rs/zerolog/log"
)

// Extraction is the audit row recorded for every parse attempt.
type Extraction struct {
	Host        string
	CommandText string
	TemplateID  string
	Score       int
	RecordCount int
	Matched     bool
	CreatedAt   time.Time
}

// Auditor persists extraction audit rows. The store adapter satisfies it.
type Auditor interface {
	AddExtraction(Extraction) error
}

// Engine selects the best-scoring template for a command's output and parses
// it into records.
type Engine struct {
	catalog *templates.Store
	auditor Auditor
}

// NewEngine builds an engine over a template catalog. auditor may be nil.
func NewEngine(catalog *templates.Store, auditor Auditor) *Engine {
	return &Engine{catalog: catalog, auditor: auditor}
}

// ParseResult is the outcome of one scored parse.
type ParseResult struct {
	TemplateID string
	Platform   vendors.Platform
	Records    []templates.Record
	Score      int
	Matched    bool
}

// Scoring weights. Base score is the count of non-empty fields.
const (
	perRecordBonus     = 5
	requiredFieldBonus = 10
	vendorHintBonus    = 3
	minWinningScore    = 1
)

// Parse runs every candidate template for commandText against output and
// returns the highest-scoring result. Ties break toward the lexicographically
// smaller template id. When no candidate reaches the minimum score the engine
// returns ErrNoMatch.
func (e *Engine) Parse(host, commandText, output, vendorHint string) (*ParseResult, error) {
	hint := vendors.FromHint(vendorHint)

	var best *ParseResult
	for _, t := range e.catalog.Candidates(commandText) {
		records := t.Parse(output)
		if len(records) == 0 {
			continue
		}
		score := scoreParse(t, records, hint)
		if score < minWinningScore {
			continue
		}
		// Candidates are id-ordered, so a strict comparison keeps the
		// lexicographically smaller winner on ties.
		if best == nil || score > best.Score {
			best = &ParseResult{
				TemplateID: t.ID,
				Platform:   t.Platform,
				Records:    records,
				Score:      score,
				Matched:    true,
			}
		}
	}

	if best == nil {
		e.audit(Extraction{
			Host:        host,
			CommandText: commandText,
			Matched:     false,
			CreatedAt:   time.Now().UTC(),
		})
		return nil, fleeterrors.ErrNoMatch
	}

	e.audit(Extraction{
		Host:        host,
		CommandText: commandText,
		TemplateID:  best.TemplateID,
		Score:       best.Score,
		RecordCount: len(best.Records),
		Matched:     true,
		CreatedAt:   time.Now().UTC(),
	})
	return best, nil
}

func scoreParse(t *templates.Template, records []templates.Record, hint vendors.Platform) int {
	score := templates.FieldCount(records)
	score += perRecordBonus * len(records)
	if t.Required != "" {
		for _, r := range records {
			if r[t.Required] != "" {
				score += requiredFieldBonus
				break
			}
		}
	}
	if hint != vendors.Generic && vendors.Vendor(hint) == vendors.Vendor(t.Platform) {
		score += vendorHintBonus
	}
	return score
}

func (e *Engine) audit(ex Extraction) {
	if e.auditor == nil {
		return
	}
	if err := e.auditor.AddExtraction(ex); err != nil {
		log.Warn().Err(err).Str("host", ex.Host).Str("command", ex.CommandText).
			Msg("Failed to record extraction audit row")
	}
}
