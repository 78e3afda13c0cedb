package redact

import (
	"context"
	"regexp"
	"unicode/utf8"

	"github.com/instill-ai/consultation-backend/pkg/types"
)

// Entity types reported by the pattern detector.
const (
	EntityTypeDate  = "DATE"
	EntityTypePhone = "PHONE"
	EntityTypeEmail = "EMAIL"
	EntityTypeSSN   = "SSN"
	EntityTypeMRN   = "MRN"
)

type pattern struct {
	entityType string
	expr       *regexp.Regexp
	// group selects the submatch that holds the entity, 0 for the whole
	// match.
	group int
}

var patterns = []pattern{
	{entityType: EntityTypeDate, expr: regexp.MustCompile(`\b(?:\d{1,2}[/.-]\d{1,2}[/.-](?:\d{4}|\d{2})|\d{4}-\d{2}-\d{2})\b`)},
	{entityType: EntityTypeDate, expr: regexp.MustCompile(`(?i)\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.? \d{1,2}(?:st|nd|rd|th)?,? \d{4}\b`)},
	{entityType: EntityTypeSSN, expr: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{entityType: EntityTypePhone, expr: regexp.MustCompile(`(?:\+\d{1,3}[ .-]?)?(?:\(\d{3}\)\s?|\b\d{3}[ .-])\d{3}[ .-]\d{4}\b`)},
	{entityType: EntityTypeEmail, expr: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{entityType: EntityTypeMRN, expr: regexp.MustCompile(`(?i)\b(?:MRN|medical record(?: number)?)[:#]?\s*(?:no\.?\s*)?([A-Z0-9-]{4,})\b`), group: 1},
}

// PatternDetector finds PHI with a fixed set of regular expressions: dates,
// phone numbers, e-mail addresses, social security numbers and medical
// record numbers. It complements the model detector on well-formed
// identifiers and never fails.
type PatternDetector struct{}

// NewPatternDetector returns a pattern-based entity detector.
func NewPatternDetector() *PatternDetector {
	return &PatternDetector{}
}

// DetectEntities returns the matches of every pattern, in pattern order and
// then in text order. Offsets are rune offsets.
func (d *PatternDetector) DetectEntities(_ context.Context, text string) ([]types.DetectedEntity, error) {
	entities := make([]types.DetectedEntity, 0)
	for _, p := range patterns {
		for _, m := range p.expr.FindAllStringSubmatchIndex(text, -1) {
			begin, end := m[2*p.group], m[2*p.group+1]
			if begin < 0 {
				continue
			}
			entities = append(entities, types.DetectedEntity{
				BeginOffset:     utf8.RuneCountInString(text[:begin]),
				EndOffset:       utf8.RuneCountInString(text[:end]),
				EntityType:      p.entityType,
				ConfidenceScore: 1,
			})
		}
	}
	return entities, nil
}
