package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	errorsx "github.com/instill-ai/x/errors"
)

// Client holds the Gemini API client shared by the detector and the
// embedder.
type Client struct {
	client *genai.Client
}

// NewClient creates a new Gemini AI client
func NewClient(ctx context.Context, apiKey string) (*Client, error) {
	if apiKey == "" {
		err := errorsx.ErrInvalidArgument
		return nil, errorsx.AddMessage(err, "AI client configuration is missing. Please contact your administrator.")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("failed to create Gemini client: %w", err),
			"Unable to connect to AI service. Please try again later.",
		)
	}

	return &Client{client: client}, nil
}

// Detector returns the PHI entity detector backed by this client.
func (c *Client) Detector() *Detector {
	return &Detector{client: c.client, model: DefaultDetectionModel}
}

// Embedder returns the embedder backed by this client.
func (c *Client) Embedder(dimensionality int32) *Embedder {
	if dimensionality == 0 {
		dimensionality = DefaultEmbeddingDimension
	}
	return &Embedder{client: c.client, dimensionality: dimensionality}
}
