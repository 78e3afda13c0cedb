package gemini

import (
	_ "embed"

	"github.com/instill-ai/consultation-backend/pkg/ai"
)

//go:embed prompt/phi_system_instruction.md
var phiSystemInstruction string

// Constants for Gemini AI client
const (
	// DefaultDetectionModel is the model prompted for PHI entity detection.
	DefaultDetectionModel = ai.GeminiDetectionModelDefault

	// Embedding dimensions (configurable via Matryoshka Representation Learning)
	// - 768: Recommended by Google for optimal balance of storage efficiency and quality
	// - 1536: Compatible with OpenAI for migration scenarios
	// - 3072: Maximum quality (full-size embeddings)
	DefaultEmbeddingDimension = ai.GeminiEmbeddingDimDefault

	// DefaultEmbeddingModel is the default embedding model for Gemini
	DefaultEmbeddingModel = ai.GeminiEmbeddingModelDefault

	maxRetries = 3
)
