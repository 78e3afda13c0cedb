package ai

import (
	"context"
	"fmt"
	"sort"

	"github.com/instill-ai/consultation-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// compositeEmbedder wraps the configured embedders and delegates to the one
// of the default model family.
type compositeEmbedder struct {
	embedders       map[string]Embedder
	defaultEmbedder Embedder
}

// NewCompositeEmbedder creates an embedder from a map of embedders keyed by
// model family.
// Default embedder precedence: requested family > Gemini > OpenAI
func NewCompositeEmbedder(embedders map[string]Embedder, defaultModelFamily string) (Embedder, error) {
	if len(embedders) == 0 {
		return nil, fmt.Errorf("at least one embedder must be provided")
	}

	// If only one embedder, return it directly (no need for composite wrapper)
	if len(embedders) == 1 {
		for _, e := range embedders {
			if e != nil {
				return e, nil
			}
		}
	}

	var defaultEmbedder Embedder

	// First, try the requested default model family
	if defaultModelFamily != "" {
		if e, ok := embedders[defaultModelFamily]; ok && e != nil {
			defaultEmbedder = e
		}
	}

	if defaultEmbedder == nil {
		for _, family := range []string{ModelFamilyGemini, ModelFamilyOpenAI} {
			if e, ok := embedders[family]; ok && e != nil {
				defaultEmbedder = e
				break
			}
		}
	}

	// Fallback: use any available embedder
	if defaultEmbedder == nil {
		for _, e := range embedders {
			if e != nil {
				defaultEmbedder = e
				break
			}
		}
	}

	if defaultEmbedder == nil {
		return nil, fmt.Errorf("no valid embedders available")
	}

	return &compositeEmbedder{
		embedders:       embedders,
		defaultEmbedder: defaultEmbedder,
	}, nil
}

// GetModelFamily returns the embedder of a specific model family.
func (c *compositeEmbedder) GetModelFamily(modelFamily string) (Embedder, error) {
	e, ok := c.embedders[modelFamily]
	if !ok || e == nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("unsupported model family: %s", modelFamily),
			fmt.Sprintf("Model family %s is not configured. Please contact your administrator.", modelFamily),
		)
	}
	return e, nil
}

// Name returns the name of the default embedder.
func (c *compositeEmbedder) Name() string { return c.defaultEmbedder.Name() }

// Model returns the model of the default embedder.
func (c *compositeEmbedder) Model() string { return c.defaultEmbedder.Model() }

// Dimensions returns the dimensionality of the default embedder.
func (c *compositeEmbedder) Dimensions() int { return c.defaultEmbedder.Dimensions() }

// Embed delegates to the default embedder.
func (c *compositeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return c.defaultEmbedder.Embed(ctx, texts)
}

type mergedDetector struct {
	detectors []EntityDetector
}

// NewMergedDetector returns a detector that runs every detector in order and
// concatenates their findings. A span reported more than once (same offsets
// and type) is kept only at its first occurrence, with the highest
// confidence reported for it. Any detector error fails the whole detection.
func NewMergedDetector(detectors ...EntityDetector) EntityDetector {
	if len(detectors) == 1 {
		return detectors[0]
	}
	return &mergedDetector{detectors: detectors}
}

type spanKey struct {
	begin, end int
	entityType string
}

func (m *mergedDetector) DetectEntities(ctx context.Context, text string) ([]types.DetectedEntity, error) {
	merged := make([]types.DetectedEntity, 0)
	seen := map[spanKey]int{}

	for _, d := range m.detectors {
		entities, err := d.DetectEntities(ctx, text)
		if err != nil {
			return nil, err
		}

		for _, e := range entities {
			k := spanKey{begin: e.BeginOffset, end: e.EndOffset, entityType: e.EntityType}
			if i, ok := seen[k]; ok {
				if e.ConfidenceScore > merged[i].ConfidenceScore {
					merged[i].ConfidenceScore = e.ConfidenceScore
				}
				continue
			}
			seen[k] = len(merged)
			merged = append(merged, e)
		}
	}

	return merged, nil
}

// SortEntities orders entities by begin offset, then by end offset. It is
// used by detectors whose native output has no stable order.
func SortEntities(entities []types.DetectedEntity) {
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].BeginOffset != entities[j].BeginOffset {
			return entities[i].BeginOffset < entities[j].BeginOffset
		}
		return entities[i].EndOffset < entities[j].EndOffset
	})
}
