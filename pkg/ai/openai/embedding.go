package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/instill-ai/consultation-backend/pkg/ai"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

const maxRetries = 3

// Embedder implements ai.Embedder with the OpenAI embeddings API.
type Embedder struct {
	client         *openai.Client
	embeddingModel string
}

// NewEmbedder creates a new OpenAI embedder.
func NewEmbedder(apiKey string, opts ...option.RequestOption) (*Embedder, error) {
	if apiKey == "" {
		err := errorsx.ErrInvalidArgument
		return nil, errorsx.AddMessage(err, "AI client configuration is missing. Please contact your administrator.")
	}

	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)

	return &Embedder{
		client:         &client,
		embeddingModel: ai.OpenAIEmbeddingModelDefault,
	}, nil
}

// Name returns the model family.
func (e *Embedder) Name() string { return ai.ModelFamilyOpenAI }

// Model returns the embedding model.
func (e *Embedder) Model() string { return e.embeddingModel }

// Dimensions returns the OpenAI embedding vector dimensionality (1536).
func (e *Embedder) Dimensions() int { return ai.OpenAIEmbeddingDim }

// Embed generates the embeddings of a batch of texts in a single request.
// OpenAI returns one item per input carrying the input index, which is used
// to keep the output in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
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

	var err error
	for attempt := range maxRetries {
		var vectors [][]float32
		vectors, err = e.embedOnce(ctx, texts)
		if err == nil {
			return vectors, nil
		}

		if !errdomain.IsTransient(err) || attempt == maxRetries-1 {
			break
		}

		// Exponential backoff: 1s, 2s
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(1<<uint(attempt)) * time.Second):
		}
	}

	return nil, errorsx.AddMessage(
		fmt.Errorf("openai embedding failed: %w", err),
		"Unable to generate embeddings. Please try again.",
	)
}

func (e *Embedder) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	response, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: e.embeddingModel,
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && errdomain.IsTransientHTTPStatus(apiErr.StatusCode) {
			return nil, errdomain.NewTransientError(err, apiErr.StatusCode)
		}
		return nil, fmt.Errorf("openai API call failed: %w", err)
	}

	if len(response.Data) != len(texts) {
		return nil, errdomain.NewTransientError(
			fmt.Errorf("openai returned %d embeddings for %d texts", len(response.Data), len(texts)), 0)
	}

	vectors := make([][]float32, len(texts))
	for _, emb := range response.Data {
		idx := int(emb.Index)
		if idx < 0 || idx >= len(texts) || len(emb.Embedding) == 0 {
			return nil, fmt.Errorf("invalid embedding at index %d", idx)
		}

		// Convert float64 to float32
		vector := make([]float32, len(emb.Embedding))
		for j, val := range emb.Embedding {
			vector[j] = float32(val)
		}
		vectors[idx] = vector
	}

	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for text %d", i)
		}
	}

	return vectors, nil
}
