package ai

import (
	"context"
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/consultation-backend/pkg/types"
)

type namedEmbedder struct {
	name string
	dim  int
}

func (e *namedEmbedder) Name() string    { return e.name }
func (e *namedEmbedder) Model() string   { return e.name + "-model" }
func (e *namedEmbedder) Dimensions() int { return e.dim }
func (e *namedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, e.dim)
	}
	return out, nil
}

type staticDetector struct {
	entities []types.DetectedEntity
	err      error
}

func (d staticDetector) DetectEntities(context.Context, string) ([]types.DetectedEntity, error) {
	return d.entities, d.err
}

func TestNewCompositeEmbedder(t *testing.T) {
	c := qt.New(t)

	gemini := &namedEmbedder{name: ModelFamilyGemini, dim: GeminiEmbeddingDimDefault}
	openai := &namedEmbedder{name: ModelFamilyOpenAI, dim: OpenAIEmbeddingDim}

	c.Run("no embedders", func(c *qt.C) {
		_, err := NewCompositeEmbedder(nil, "")
		c.Check(err, qt.IsNotNil)
	})

	c.Run("single embedder returned directly", func(c *qt.C) {
		e, err := NewCompositeEmbedder(map[string]Embedder{ModelFamilyOpenAI: openai}, ModelFamilyGemini)
		c.Assert(err, qt.IsNil)
		c.Check(e, qt.Equals, Embedder(openai))
	})

	c.Run("requested family", func(c *qt.C) {
		e, err := NewCompositeEmbedder(map[string]Embedder{
			ModelFamilyOpenAI: openai,
			ModelFamilyGemini: gemini,
		}, ModelFamilyOpenAI)
		c.Assert(err, qt.IsNil)
		c.Check(e.Name(), qt.Equals, ModelFamilyOpenAI)
		c.Check(e.Dimensions(), qt.Equals, OpenAIEmbeddingDim)

		vectors, err := e.Embed(context.Background(), []string{"a", "b"})
		c.Assert(err, qt.IsNil)
		c.Check(vectors, qt.HasLen, 2)
	})

	c.Run("precedence when family is unknown", func(c *qt.C) {
		e, err := NewCompositeEmbedder(map[string]Embedder{
			ModelFamilyOpenAI: openai,
			ModelFamilyGemini: gemini,
		}, "mistral")
		c.Assert(err, qt.IsNil)
		c.Check(e.Model(), qt.Equals, "gemini-model")
	})

	c.Run("family lookup", func(c *qt.C) {
		e, err := NewCompositeEmbedder(map[string]Embedder{
			ModelFamilyOpenAI: openai,
			ModelFamilyGemini: gemini,
		}, "")
		c.Assert(err, qt.IsNil)

		composite := e.(*compositeEmbedder)
		got, err := composite.GetModelFamily(ModelFamilyOpenAI)
		c.Assert(err, qt.IsNil)
		c.Check(got, qt.Equals, Embedder(openai))

		_, err = composite.GetModelFamily("mistral")
		c.Check(err, qt.ErrorMatches, "unsupported model family: mistral")
	})
}

func TestMergedDetector(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	model := staticDetector{entities: []types.DetectedEntity{
		{BeginOffset: 0, EndOffset: 8, EntityType: "NAME", ConfidenceScore: 0.9},
		{BeginOffset: 17, EndOffset: 27, EntityType: "DATE", ConfidenceScore: 0.6},
	}}
	patterns := staticDetector{entities: []types.DetectedEntity{
		{BeginOffset: 17, EndOffset: 27, EntityType: "DATE", ConfidenceScore: 1},
	}}

	c.Run("duplicates are merged", func(c *qt.C) {
		got, err := NewMergedDetector(model, patterns).DetectEntities(ctx, "John Doe met on 01/01/2020")
		c.Assert(err, qt.IsNil)
		c.Check(got, qt.DeepEquals, []types.DetectedEntity{
			{BeginOffset: 0, EndOffset: 8, EntityType: "NAME", ConfidenceScore: 0.9},
			{BeginOffset: 17, EndOffset: 27, EntityType: "DATE", ConfidenceScore: 1},
		})
	})

	c.Run("no findings is an empty list", func(c *qt.C) {
		got, err := NewMergedDetector(staticDetector{}, staticDetector{}).DetectEntities(ctx, "hello")
		c.Assert(err, qt.IsNil)
		c.Check(got, qt.IsNotNil)
		c.Check(got, qt.HasLen, 0)
	})

	c.Run("an error fails the detection", func(c *qt.C) {
		_, err := NewMergedDetector(patterns, staticDetector{err: errors.New("quota")}).DetectEntities(ctx, "x")
		c.Check(err, qt.ErrorMatches, "quota")
	})

	c.Run("single detector returned directly", func(c *qt.C) {
		only := &staticDetector{}
		c.Check(NewMergedDetector(only), qt.Equals, EntityDetector(only))
	})
}

func TestEstimateTokenCount(t *testing.T) {
	c := qt.New(t)

	c.Check(EstimateTokenCount(""), qt.Equals, 0)

	short := EstimateTokenCount("Doctor: How are you feeling today?")
	long := EstimateTokenCount("Doctor: How are you feeling today? Patient: Better than last week, thank you.")
	c.Check(short > 0, qt.IsTrue)
	c.Check(long > short, qt.IsTrue)
}
