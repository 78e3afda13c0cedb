package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/instill-ai/consultation-backend/pkg/ai"
	"github.com/instill-ai/consultation-backend/pkg/events"
	"github.com/instill-ai/consultation-backend/pkg/repository"
	"github.com/instill-ai/consultation-backend/pkg/repository/object"
	"github.com/instill-ai/consultation-backend/pkg/types"
)

const (
	defaultEmbeddingMaxTokens = 512
	defaultEmbeddingBatchSize = 16
)

// EmbeddingProcessor embeds redacted transcripts and completes the
// pipeline.
type EmbeddingProcessor struct {
	*Dependencies
}

// NewEmbeddingProcessor returns an embedding processor.
func NewEmbeddingProcessor(d *Dependencies) *EmbeddingProcessor {
	return &EmbeddingProcessor{Dependencies: d}
}

// segment is a group of consecutive turns embedded together.
type segment struct {
	firstTurn, lastTurn int
	text                string
	tokens              int
}

// groupTurns packs consecutive turns into segments of at most maxTokens
// estimated tokens. A turn larger than the budget gets a segment of its own.
func groupTurns(turns []string, maxTokens int) []segment {
	var segments []segment
	var lines []string
	cur := segment{}

	flush := func() {
		if len(lines) == 0 {
			return
		}
		cur.text = strings.Join(lines, "\n")
		segments = append(segments, cur)
		lines = nil
	}

	for i, turn := range turns {
		tokens := ai.EstimateTokenCount(turn)
		if len(lines) > 0 && cur.tokens+tokens > maxTokens {
			flush()
		}
		if len(lines) == 0 {
			cur = segment{firstTurn: i}
		}
		lines = append(lines, turn)
		cur.lastTurn = i
		cur.tokens += tokens
	}
	flush()

	return segments
}

// HandlePHICompleted runs the embedding stage for the redacted transcript
// referenced by a PHI Stage Completed event.
//
// The vectors are generated before any state change: an embedder error
// returns with the consultation untouched in PHI_COMPLETE, and the
// redelivered event retries the stage.
func (e *EmbeddingProcessor) HandlePHICompleted(ctx context.Context, ev events.StageEvent) error {
	ref := ev.Detail.Ref()
	logger := e.Logger.With(refFields(ref)...)

	c, err := e.Repository.GetConsultation(ctx, ref)
	if err != nil {
		return err
	}

	switch c.Stage {
	case types.StagePHIComplete, types.StageEmbedding:
	case types.StageDone:
		return e.republish(ctx, ref)
	default:
		logger.Info("Consultation isn't awaiting embedding, skipping", zap.String("stage", string(c.Stage)))
		return nil
	}

	var redacted types.RedactedTranscript
	source := *ev.Detail.ArtifactRef
	if err := object.GetJSON(ctx, e.Storage, source.Bucket, source.Key, &redacted); err != nil {
		if isPermanent(err) {
			return e.failConsultation(ctx, ref, c.Stage, fmt.Sprintf("reading redacted transcript: %v", err))
		}
		return fmt.Errorf("reading redacted transcript of %s: %w", ref, err)
	}

	segments, err := e.embed(ctx, redacted.Turns())
	if err != nil {
		return fmt.Errorf("embedding %s: %w", ref, err)
	}

	if c.Stage == types.StagePHIComplete {
		err := e.Repository.AdvanceStage(ctx, ref, types.StagePHIComplete, types.StageEmbedding, repository.StagePatch{})
		if se, ok := repository.AsStaleState(err); ok {
			switch se.Observed {
			case types.StageEmbedding:
			case types.StageDone:
				return e.republish(ctx, ref)
			default:
				logger.Info("Consultation moved on, dropping embeddings", zap.String("stage", string(se.Observed)))
				return nil
			}
		} else if err != nil {
			return err
		}
	}

	artifact := types.EmbeddingArtifact{
		TenantID:       ref.TenantID,
		ConsultationID: ref.ConsultationID,
		Model:          e.Embedder.Model(),
		Dimensions:     e.Embedder.Dimensions(),
		Segments:       segments,
	}
	gold := types.ArtifactRef{Bucket: e.Config.GoldBucket, Key: types.EmbeddingsKey(ref)}
	if err := object.PutJSON(ctx, e.Storage, gold.Bucket, gold.Key, artifact); err != nil {
		return fmt.Errorf("storing embeddings of %s: %w", ref, err)
	}

	if err := e.Repository.SetEmbeddingRef(ctx, ref, gold.String()); err != nil {
		if se, ok := repository.AsStaleState(err); ok {
			if se.Observed == types.StageDone {
				return e.republish(ctx, ref)
			}
			logger.Info("Consultation moved on, dropping embeddings", zap.String("stage", string(se.Observed)))
			return nil
		}
		return err
	}

	err = e.Repository.AdvanceStage(ctx, ref, types.StageEmbedding, types.StageDone, repository.StagePatch{})
	if se, ok := repository.AsStaleState(err); ok {
		if se.Observed != types.StageDone {
			logger.Info("Consultation moved on", zap.String("stage", string(se.Observed)))
			return nil
		}
	} else if err != nil {
		return err
	}

	logger.Info("Pipeline completed", zap.Int("segmentCount", len(segments)), zap.String("model", artifact.Model))
	_, err = e.publishStage(ctx, events.DetailTypePipelineCompleted, ref, &gold)
	return err
}

// embed groups the turns and embeds the segments in batches, keeping the
// segment order.
func (e *EmbeddingProcessor) embed(ctx context.Context, turns []string) ([]types.EmbeddingSegment, error) {
	maxTokens := e.Config.EmbeddingMaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultEmbeddingMaxTokens
	}
	batchSize := e.Config.EmbeddingBatchSize
	if batchSize <= 0 {
		batchSize = defaultEmbeddingBatchSize
	}

	groups := groupTurns(turns, maxTokens)
	segments := make([]types.EmbeddingSegment, 0, len(groups))

	for start := 0; start < len(groups); start += batchSize {
		batch := groups[start:min(start+batchSize, len(groups))]

		texts := make([]string, len(batch))
		for i, g := range batch {
			texts[i] = g.text
		}

		vectors, err := e.Embedder.Embed(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(vectors), len(batch))
		}

		for i, g := range batch {
			segments = append(segments, types.EmbeddingSegment{
				FirstTurn: g.firstTurn,
				LastTurn:  g.lastTurn,
				Tokens:    g.tokens,
				Vector:    vectors[i],
			})
		}
	}

	return segments, nil
}

func (e *EmbeddingProcessor) republish(ctx context.Context, ref types.ConsultationRef) error {
	e.Logger.Info("Pipeline already completed, publishing again", refFields(ref)...)
	gold := types.ArtifactRef{Bucket: e.Config.GoldBucket, Key: types.EmbeddingsKey(ref)}
	_, err := e.publishStage(ctx, events.DetailTypePipelineCompleted, ref, &gold)
	return err
}
