package mock

import (
	"context"
	"strconv"
	"sync"

	"github.com/instill-ai/consultation-backend/pkg/events"
	"github.com/instill-ai/consultation-backend/pkg/types"
)

// Detector is an ai.EntityDetector returning fixed entities.
type Detector struct {
	mu sync.Mutex

	Entities []types.DetectedEntity
	Err      error
	Texts    []string
}

// DetectEntities implements ai.EntityDetector.
func (d *Detector) DetectEntities(_ context.Context, text string) ([]types.DetectedEntity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Texts = append(d.Texts, text)
	if d.Err != nil {
		return nil, d.Err
	}
	return append([]types.DetectedEntity(nil), d.Entities...), nil
}

// Embedder is an ai.Embedder returning vectors filled with the input length.
type Embedder struct {
	mu sync.Mutex

	Dim   int
	Err   error
	Calls [][]string
}

// Name implements ai.Embedder.
func (e *Embedder) Name() string { return "mock" }

// Model implements ai.Embedder.
func (e *Embedder) Model() string { return "mock-embedding" }

// Dimensions implements ai.Embedder.
func (e *Embedder) Dimensions() int {
	if e.Dim == 0 {
		return 4
	}
	return e.Dim
}

// Embed implements ai.Embedder.
func (e *Embedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Calls = append(e.Calls, append([]string(nil), texts...))
	if e.Err != nil {
		return nil, e.Err
	}

	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, e.Dimensions())
		for j := range v {
			v[j] = float32(len(t))
		}
		vectors[i] = v
	}
	return vectors, nil
}

// Publisher records the published envelopes.
type Publisher struct {
	mu sync.Mutex

	Err       error
	Envelopes []events.Envelope
}

// Publish implements events.Publisher.
func (p *Publisher) Publish(_ context.Context, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return p.Err
	}
	p.Envelopes = append(p.Envelopes, env)
	return nil
}

// DetailTypes returns the detail type of every published envelope.
func (p *Publisher) DetailTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	dt := make([]string, len(p.Envelopes))
	for i, env := range p.Envelopes {
		dt[i] = env.DetailType
	}
	return dt
}

// Take returns the published envelopes and forgets them.
func (p *Publisher) Take() []events.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	envs := p.Envelopes
	p.Envelopes = nil
	return envs
}

// Notifier records the fanned out envelopes.
type Notifier struct {
	mu sync.Mutex

	Err       error
	Envelopes []events.Envelope
}

// Notify implements events.Notifier.
func (n *Notifier) Notify(_ context.Context, env events.Envelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.Err != nil {
		return n.Err
	}
	n.Envelopes = append(n.Envelopes, env)
	return nil
}

// WatchRequest is a recorded WatchJob call.
type WatchRequest struct {
	JobID string
	Kind  types.JobKind
}

// JobWatcher records the jobs it is asked to watch.
type JobWatcher struct {
	mu sync.Mutex

	Err      error
	Requests []WatchRequest
}

// WatchJob implements pipeline.JobWatcher.
func (w *JobWatcher) WatchJob(_ context.Context, jobID string, kind types.JobKind) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.Err != nil {
		return w.Err
	}
	w.Requests = append(w.Requests, WatchRequest{JobID: jobID, Kind: kind})
	return nil
}

// StreamEntry is a message appended to a StreamWriter.
type StreamEntry struct {
	ID     string
	Stream string
	Body   []byte
}

// StreamWriter records the appended messages.
type StreamWriter struct {
	mu  sync.Mutex
	seq int

	Err     error
	Entries []StreamEntry
}

// Append implements events.StreamWriter.
func (s *StreamWriter) Append(_ context.Context, stream string, body []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return "", s.Err
	}
	s.seq++
	id := strconv.Itoa(s.seq) + "-0"
	s.Entries = append(s.Entries, StreamEntry{ID: id, Stream: stream, Body: append([]byte(nil), body...)})
	return id, nil
}
