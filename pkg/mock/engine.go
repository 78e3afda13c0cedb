package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/instill-ai/consultation-backend/pkg/ocr"
	"github.com/instill-ai/consultation-backend/pkg/types"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
)

// Engine is an in-memory ocr.Engine. Submitted jobs get sequential ids
// ("ocr-1", "cls-2", ...) and report the configured state.
type Engine struct {
	mu  sync.Mutex
	seq int

	// Pages are returned by GetResultPage, one engine result page per
	// element.
	Pages []ocr.Page
	// Label is returned by GetClassification.
	Label string
	// State is reported by GetJobState for every job. The zero value
	// reports RUNNING.
	State types.JobOutcome

	SubmitErr         error
	ClassificationErr error
	ResultErr         error
	StateErr          error

	OCRSubmissions            []types.ArtifactRef
	ClassificationSubmissions []types.ArtifactRef
	ResultCalls               int
	StateCalls                int
}

func (e *Engine) nextID(prefix string) string {
	e.seq++
	return prefix + "-" + strconv.Itoa(e.seq)
}

// SubmitOCR implements ocr.Engine.
func (e *Engine) SubmitOCR(_ context.Context, source types.ArtifactRef) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.SubmitErr != nil {
		return "", e.SubmitErr
	}
	e.OCRSubmissions = append(e.OCRSubmissions, source)
	return e.nextID("ocr"), nil
}

// SubmitClassification implements ocr.Engine.
func (e *Engine) SubmitClassification(_ context.Context, source types.ArtifactRef) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ClassificationErr != nil {
		return "", e.ClassificationErr
	}
	e.ClassificationSubmissions = append(e.ClassificationSubmissions, source)
	return e.nextID("cls"), nil
}

// GetJobState implements ocr.Engine.
func (e *Engine) GetJobState(context.Context, string) (types.JobOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.StateCalls++
	if e.StateErr != nil {
		return types.JobOutcome{}, e.StateErr
	}
	if e.State.Status == "" {
		return types.JobOutcome{Status: types.JobStatusRunning}, nil
	}
	return e.State, nil
}

// GetResultPage implements ocr.Engine. The page token is the index of the
// next page.
func (e *Engine) GetResultPage(_ context.Context, _ string, pageToken string) (*ocr.ResultPage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ResultCalls++
	if e.ResultErr != nil {
		return nil, e.ResultErr
	}

	i := 0
	if pageToken != "" {
		var err error
		if i, err = strconv.Atoi(pageToken); err != nil {
			return nil, fmt.Errorf("%w: page token %q", errdomain.ErrValidation, pageToken)
		}
	}
	if i >= len(e.Pages) {
		return &ocr.ResultPage{}, nil
	}

	rp := &ocr.ResultPage{Pages: []ocr.Page{e.Pages[i]}}
	if i+1 < len(e.Pages) {
		rp.NextPageToken = strconv.Itoa(i + 1)
	}
	return rp, nil
}

// GetClassification implements ocr.Engine.
func (e *Engine) GetClassification(context.Context, string) (*ocr.Classification, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return &ocr.Classification{Label: e.Label, Confidence: 1}, nil
}
