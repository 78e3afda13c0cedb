package ocr

import (
	"regexp"
	"sort"
	"strings"

	"github.com/instill-ai/consultation-backend/pkg/types"
)

// A paragraph starting with a short label followed by a colon, e.g.
// "Dr. Smith: How are you feeling?", is a speaker turn.
var speakerRegexp = regexp.MustCompile(`^([A-Z][A-Za-z0-9.' -]{0,39}):\s+(\S.*)$`)

// AssembleTranscript normalizes the OCR pages of a consultation document
// into an ordered list of text blocks. Pages are ordered by page number,
// paragraphs keep their reading order and blank paragraphs are dropped.
func AssembleTranscript(ref types.ConsultationRef, pages []Page) *types.Transcript {
	sorted := make([]Page, len(pages))
	copy(sorted, pages)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Number < sorted[j].Number
	})

	t := &types.Transcript{
		TenantID:       ref.TenantID,
		ConsultationID: ref.ConsultationID,
		Blocks:         []types.TextBlock{},
	}

	seen := map[int]bool{}
	for _, p := range sorted {
		if !seen[p.Number] {
			seen[p.Number] = true
			t.PageCount++
		}

		for _, para := range p.Paragraphs {
			for _, line := range strings.Split(para, "\n") {
				line = strings.Join(strings.Fields(line), " ")
				if line == "" {
					continue
				}
				t.Blocks = append(t.Blocks, newBlock(p.Number, line))
			}
		}
	}
	return t
}

func newBlock(page int, line string) types.TextBlock {
	if m := speakerRegexp.FindStringSubmatch(line); m != nil {
		return types.TextBlock{Page: page, Speaker: strings.TrimSpace(m[1]), Text: m[2]}
	}
	return types.TextBlock{Page: page, Text: line}
}
