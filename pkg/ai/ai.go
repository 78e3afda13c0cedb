// Package ai defines the model capabilities used by the consultation
// pipeline: PHI entity detection over transcript text and embedding of
// redacted transcript segments. Providers live in the subpackages.
package ai

import (
	"context"

	"github.com/instill-ai/consultation-backend/pkg/types"
)

// Model families
const (
	ModelFamilyGemini = "gemini"
	ModelFamilyOpenAI = "openai"
)

// Model defaults
const (
	GeminiEmbeddingModelDefault = "gemini-embedding-001"
	GeminiEmbeddingDimDefault   = 3072
	GeminiDetectionModelDefault = "gemini-2.5-flash"

	OpenAIEmbeddingModelDefault = "text-embedding-3-small"
	OpenAIEmbeddingDim          = 1536

	// TaskTypeRetrievalDocument optimizes Gemini embeddings for vectors that
	// are stored and later retrieved by a query.
	TaskTypeRetrievalDocument = "RETRIEVAL_DOCUMENT"
)

// EntityDetector finds protected health information in a text. Offsets of
// the returned entities are rune offsets into text.
type EntityDetector interface {
	DetectEntities(ctx context.Context, text string) ([]types.DetectedEntity, error)
}

// Embedder turns texts into vectors. The returned slice has one vector per
// input, in input order.
type Embedder interface {
	Name() string
	Model() string
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
