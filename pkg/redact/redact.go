// Package redact masks detected PHI spans in transcript text.
package redact

import (
	"sort"

	"github.com/instill-ai/consultation-backend/pkg/types"
)

// MaskToken replaces every redacted span.
const MaskToken = "[REDACTED]"

// ClampEntities bounds the spans of entities to the rune length of text and
// drops the spans left empty. The relative order of the entities is kept.
func ClampEntities(text string, entities []types.DetectedEntity) []types.DetectedEntity {
	n := len([]rune(text))

	clamped := make([]types.DetectedEntity, 0, len(entities))
	for _, e := range entities {
		e.BeginOffset = max(0, min(e.BeginOffset, n))
		e.EndOffset = max(0, min(e.EndOffset, n))
		if e.EndOffset <= e.BeginOffset {
			continue
		}
		clamped = append(clamped, e)
	}
	return clamped
}

// Redact replaces every entity span of text with MaskToken.
//
// Spans are applied from the end of the text towards its start, so offsets
// of the spans not yet applied stay valid. Ties on the begin offset apply
// the longer span first. A span overlapping one already applied is cut at
// that span's begin offset, so overlapping spans never mask the same runes
// twice. The result doesn't depend on the order of entities.
func Redact(text string, entities []types.DetectedEntity) string {
	spans := ClampEntities(text, entities)
	if len(spans) == 0 {
		return text
	}

	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].BeginOffset != spans[j].BeginOffset {
			return spans[i].BeginOffset > spans[j].BeginOffset
		}
		return spans[i].EndOffset > spans[j].EndOffset
	})

	runes := []rune(text)
	mask := []rune(MaskToken)
	limit := len(runes)

	for _, s := range spans {
		end := min(s.EndOffset, limit)
		if end <= s.BeginOffset {
			continue
		}

		redacted := make([]rune, 0, len(runes)-(end-s.BeginOffset)+len(mask))
		redacted = append(redacted, runes[:s.BeginOffset]...)
		redacted = append(redacted, mask...)
		redacted = append(redacted, runes[end:]...)
		runes = redacted

		limit = s.BeginOffset
	}

	return string(runes)
}
