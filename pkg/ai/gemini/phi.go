package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"google.golang.org/genai"

	"github.com/instill-ai/consultation-backend/pkg/ai"
	"github.com/instill-ai/consultation-backend/pkg/types"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// Detector implements ai.EntityDetector by prompting a Gemini model for the
// PHI strings of a transcript. The model returns literal strings; offsets are
// computed locally by locating every occurrence in the text.
type Detector struct {
	client *genai.Client
	model  string
}

// finding is one element of the JSON array the model answers with.
type finding struct {
	Text       string  `json:"text"`
	EntityType string  `json:"entity_type"`
	Confidence float64 `json:"confidence"`
}

var findingsSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"text":        {Type: genai.TypeString},
			"entity_type": {Type: genai.TypeString},
			"confidence":  {Type: genai.TypeNumber},
		},
		Required: []string{"text", "entity_type"},
	},
}

// DetectEntities returns the PHI spans of text ordered by offset.
func (d *Detector) DetectEntities(ctx context.Context, text string) ([]types.DetectedEntity, error) {
	if strings.TrimSpace(text) == "" {
		return []types.DetectedEntity{}, nil
	}

	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0)),
		ResponseMIMEType: "application/json",
		ResponseSchema:   findingsSchema,
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{
				{Text: phiSystemInstruction},
			},
		},
	}

	resp, err := d.client.Models.GenerateContent(ctx, d.model, contents, config)
	if err != nil {
		return nil, errorsx.AddMessage(
			errdomain.NewTransientError(fmt.Errorf("gemini PHI detection failed: %w", err), 0),
			"Unable to connect to AI service. Please try again later.",
		)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errdomain.NewTransientError(fmt.Errorf("no response candidates generated"), 0)
	}

	var answer strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		answer.WriteString(part.Text)
	}

	return entitiesFromAnswer(text, answer.String())
}

// entitiesFromAnswer decodes the model answer and maps every finding to all
// of its occurrences in text.
func entitiesFromAnswer(text, answer string) ([]types.DetectedEntity, error) {
	answer = strings.TrimSpace(answer)
	answer = strings.TrimPrefix(answer, "```json")
	answer = strings.TrimPrefix(answer, "```")
	answer = strings.TrimSuffix(answer, "```")

	var findings []finding
	if err := json.Unmarshal([]byte(strings.TrimSpace(answer)), &findings); err != nil {
		// A malformed answer is a model hiccup: retrying the delivery asks again.
		return nil, errdomain.NewTransientError(fmt.Errorf("decoding PHI findings: %w", err), 0)
	}

	entities := make([]types.DetectedEntity, 0, len(findings))
	for _, f := range findings {
		if f.Text == "" || f.EntityType == "" {
			continue
		}
		for _, begin := range runeOccurrences(text, f.Text) {
			entities = append(entities, types.DetectedEntity{
				BeginOffset:     begin,
				EndOffset:       begin + utf8.RuneCountInString(f.Text),
				EntityType:      strings.ToUpper(f.EntityType),
				ConfidenceScore: f.Confidence,
			})
		}
	}

	ai.SortEntities(entities)
	return entities, nil
}

// runeOccurrences returns the rune offset of every non-overlapping occurrence
// of sub in s.
func runeOccurrences(s, sub string) []int {
	var offsets []int
	byteOffset, runeOffset := 0, 0
	for {
		i := strings.Index(s[byteOffset:], sub)
		if i < 0 {
			return offsets
		}
		runeOffset += utf8.RuneCountInString(s[byteOffset : byteOffset+i])
		offsets = append(offsets, runeOffset)

		runeOffset += utf8.RuneCountInString(sub)
		byteOffset += i + len(sub)
	}
}
