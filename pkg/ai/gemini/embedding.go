package gemini

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/instill-ai/consultation-backend/pkg/ai"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// maxConcurrentEmbeddings bounds the EmbedContent calls in flight for one
// batch.
const maxConcurrentEmbeddings = 8

// Embedder implements ai.Embedder with the Gemini embeddings API.
type Embedder struct {
	client         *genai.Client
	dimensionality int32
}

// Name returns the model family.
func (e *Embedder) Name() string { return ai.ModelFamilyGemini }

// Model returns the embedding model.
func (e *Embedder) Model() string { return DefaultEmbeddingModel }

// Dimensions returns the configured output dimensionality.
func (e *Embedder) Dimensions() int { return int(e.dimensionality) }

// Embed generates embeddings for a batch of texts, optimized for retrieval
// of stored documents.
//
// Gemini supports 768, 1536 or 3072 dimensions. The API has no batch
// endpoint for this call, so each text is embedded separately and the
// results are stored at the input index.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	validDims := map[int32]bool{768: true, 1536: true, 3072: true}
	if !validDims[e.dimensionality] {
		return nil, errorsx.AddMessage(
			fmt.Errorf("%w: gemini embeddings only support 768, 1536, or 3072 dimensions, got %d",
				errdomain.ErrValidation, e.dimensionality),
			"Gemini embeddings only support 768, 1536, or 3072 dimensions.",
		)
	}

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	for i, text := range texts {
		if text == "" {
			return nil, errorsx.AddMessage(
				fmt.Errorf("%w: text at index %d is empty", errdomain.ErrValidation, i),
				"Cannot generate embeddings for empty text",
			)
		}
	}

	vectors := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentEmbeddings)
	for i, text := range texts {
		g.Go(func() error {
			vector, err := e.embedWithRetry(gctx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			vectors[i] = vector
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, errorsx.AddMessage(
			errdomain.NewTransientError(fmt.Errorf("gemini embedding failed: %w", err), 0),
			"Unable to generate embeddings. Please try again.",
		)
	}

	return vectors, nil
}

func (e *Embedder) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var err error
	for attempt := range maxRetries {
		var result *genai.EmbedContentResponse
		result, err = e.client.Models.EmbedContent(ctx, DefaultEmbeddingModel,
			[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			&genai.EmbedContentConfig{
				TaskType:             ai.TaskTypeRetrievalDocument,
				OutputDimensionality: genai.Ptr(e.dimensionality),
			})

		switch {
		case err != nil:
			err = fmt.Errorf("gemini API call failed: %w", err)
		case len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0:
			err = fmt.Errorf("no embedding returned")
		default:
			return result.Embeddings[0].Values, nil
		}

		// Don't wait after the last attempt
		if attempt == maxRetries-1 {
			break
		}

		// Exponential backoff: 1s, 2s
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(1<<uint(attempt)) * time.Second):
		}
	}

	return nil, fmt.Errorf("after %d attempts: %w", maxRetries, err)
}
