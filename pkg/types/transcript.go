package types

import (
	"strings"
)

// TextBlock is a unit of text extracted by OCR, in reading order.
type TextBlock struct {
	Page    int    `json:"page"`
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text"`
}

// Transcript is the normalized OCR output of a consultation document.
type Transcript struct {
	TenantID       string      `json:"tenant_id"`
	ConsultationID string      `json:"consultation_id"`
	PageCount      int         `json:"page_count"`
	Blocks         []TextBlock `json:"blocks"`
	DocumentClass  string      `json:"document_class,omitempty"`
}

// Lines returns one line per block, "<speaker>: <text>" when a speaker is
// set.
func (t *Transcript) Lines() []string {
	lines := make([]string, 0, len(t.Blocks))
	for _, b := range t.Blocks {
		if b.Speaker != "" {
			lines = append(lines, b.Speaker+": "+b.Text)
			continue
		}
		lines = append(lines, b.Text)
	}
	return lines
}

// Text is the speaker-tagged text over which entity offsets are computed.
func (t *Transcript) Text() string {
	return strings.Join(t.Lines(), "\n")
}

// RedactedTranscript is the gold artifact produced by the PHI stage.
type RedactedTranscript struct {
	TenantID       string `json:"tenant_id"`
	ConsultationID string `json:"consultation_id"`
	PageCount      int    `json:"page_count"`
	Text           string `json:"text"`
	EntityCount    int    `json:"entity_count"`
}

// Turns splits the redacted text into conversational turns, skipping blank
// lines.
func (t *RedactedTranscript) Turns() []string {
	var turns []string
	for _, line := range strings.Split(t.Text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		turns = append(turns, line)
	}
	return turns
}

// EmbeddingSegment is one embedded group of consecutive turns.
type EmbeddingSegment struct {
	FirstTurn int       `json:"first_turn"`
	LastTurn  int       `json:"last_turn"`
	Tokens    int       `json:"tokens"`
	Vector    []float32 `json:"vector"`
}

// EmbeddingArtifact is the gold artifact produced by the embedding stage.
type EmbeddingArtifact struct {
	TenantID       string             `json:"tenant_id"`
	ConsultationID string             `json:"consultation_id"`
	Model          string             `json:"model"`
	Dimensions     int                `json:"dimensions"`
	Segments       []EmbeddingSegment `json:"segments"`
}
