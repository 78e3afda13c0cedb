// Package ocr wraps the external OCR and document classification engine.
// Jobs are long running: they are submitted, polled until they reach a
// terminal state, and their results are then read page by page.
package ocr

import (
	"context"
	"fmt"

	"github.com/instill-ai/consultation-backend/pkg/types"
)

// maxResultPages bounds the pagination loop over the engine results.
const maxResultPages = 10000

// Page is the text of one document page, paragraphs in reading order.
type Page struct {
	Number     int
	Paragraphs []string
}

// ResultPage is one page of the paginated job results. An empty
// NextPageToken marks the last page.
type ResultPage struct {
	Pages         []Page
	NextPageToken string
}

// Classification is the label assigned to a document.
type Classification struct {
	Label      string
	Confidence float64
}

// JobStateReader reports the state of a submitted job. A job that hasn't
// reached a terminal state reports JobStatusRunning.
type JobStateReader interface {
	GetJobState(ctx context.Context, jobID string) (types.JobOutcome, error)
}

// Engine is the OCR and classification capability.
type Engine interface {
	JobStateReader

	SubmitOCR(ctx context.Context, source types.ArtifactRef) (jobID string, _ error)
	SubmitClassification(ctx context.Context, source types.ArtifactRef) (jobID string, _ error)
	GetResultPage(ctx context.Context, jobID, pageToken string) (*ResultPage, error)
	GetClassification(ctx context.Context, jobID string) (*Classification, error)
}

// FetchAllPages follows the result pagination of a job until the last page.
func FetchAllPages(ctx context.Context, engine Engine, jobID string) ([]Page, error) {
	var pages []Page
	token := ""
	for range maxResultPages {
		rp, err := engine.GetResultPage(ctx, jobID, token)
		if err != nil {
			return nil, fmt.Errorf("fetching results of job %s: %w", jobID, err)
		}
		pages = append(pages, rp.Pages...)
		if rp.NextPageToken == "" {
			return pages, nil
		}
		token = rp.NextPageToken
	}
	return nil, fmt.Errorf("results of job %s exceed %d pages", jobID, maxResultPages)
}
