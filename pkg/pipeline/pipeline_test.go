package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/consultation-backend/config"
	"github.com/instill-ai/consultation-backend/pkg/events"
	"github.com/instill-ai/consultation-backend/pkg/mock"
	"github.com/instill-ai/consultation-backend/pkg/ocr"
	"github.com/instill-ai/consultation-backend/pkg/redact"
	"github.com/instill-ai/consultation-backend/pkg/repository"
	"github.com/instill-ai/consultation-backend/pkg/repository/object"
	"github.com/instill-ai/consultation-backend/pkg/types"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
)

const intakeKey = "documents/t1/c1/scan.pdf"

var testRef = types.ConsultationRef{TenantID: "t1", ConsultationID: "c1"}

type fixture struct {
	deps      *Dependencies
	router    *Router
	repo      repository.Repository
	storage   *mock.Storage
	engine    *mock.Engine
	detector  *mock.Detector
	embedder  *mock.Embedder
	publisher *mock.Publisher
	notifier  *mock.Notifier
	watcher   *mock.JobWatcher
	logs      *observer.ObservedLogs
}

func newFixture(c *qt.C) *fixture {
	core, logs := observer.New(zapcore.DebugLevel)

	f := &fixture{
		repo:    mock.NewRepository(c.TB),
		storage: mock.NewStorage(),
		engine: &mock.Engine{
			Pages: []ocr.Page{
				{Number: 1, Paragraphs: []string{"Dr. Smith: How are you feeling today?"}},
				{Number: 2, Paragraphs: []string{"Patient: Much better, thank you."}},
			},
			Label: "consultation-note",
		},
		detector:  &mock.Detector{},
		embedder:  &mock.Embedder{},
		publisher: &mock.Publisher{},
		notifier:  &mock.Notifier{},
		watcher:   &mock.JobWatcher{},
		logs:      logs,
	}
	f.storage.Seed("intake", intakeKey, []byte("%PDF-1.7"))

	f.deps = &Dependencies{
		Repository: f.repo,
		Storage:    f.storage,
		Engine:     f.engine,
		Detector:   f.detector,
		Embedder:   f.embedder,
		Publisher:  f.publisher,
		Notifier:   f.notifier,
		Watcher:    f.watcher,
		Config: config.PipelineConfig{
			IntakeBucket: "intake",
			SilverBucket: "silver",
			GoldBucket:   "gold",
			EventSource:  "consultation.pipeline",
		},
		Logger: zap.New(core),
	}
	f.router = NewRouter(f.deps)
	return f
}

func (f *fixture) intake(c *qt.C) error {
	c.Helper()
	return f.router.Route(context.Background(), events.IntakeNotification{
		Records: []events.IntakeRecord{{Bucket: "intake", Key: intakeKey}},
	})
}

func (f *fixture) complete(jobID string, status types.JobStatus, reason string) error {
	return f.router.Route(context.Background(), events.JobCompletion{JobID: jobID, Status: status, Reason: reason})
}

// deliver sends a published envelope back through the message path, the way
// the event stream consumer does.
func (f *fixture) deliver(c *qt.C, env events.Envelope) error {
	c.Helper()
	b, err := json.Marshal(env)
	c.Assert(err, qt.IsNil)
	return f.router.HandleMessage(context.Background(), b)
}

func (f *fixture) stage(c *qt.C) types.Stage {
	c.Helper()
	got, err := f.repo.GetConsultation(context.Background(), testRef)
	c.Assert(err, qt.IsNil)
	return got.Stage
}

// takeOne returns the only envelope published since the last call.
func (f *fixture) takeOne(c *qt.C, detailType string) events.Envelope {
	c.Helper()
	envs := f.publisher.Take()
	c.Assert(envs, qt.HasLen, 1)
	c.Assert(envs[0].DetailType, qt.Equals, detailType)
	return envs[0]
}

// toOCRComplete runs ingestion and the OCR completion and returns the OCR
// Stage Completed envelope.
func (f *fixture) toOCRComplete(c *qt.C) events.Envelope {
	c.Helper()
	c.Assert(f.intake(c), qt.IsNil)
	c.Assert(f.complete("ocr-1", types.JobStatusSucceeded, ""), qt.IsNil)
	return f.takeOne(c, events.DetailTypeOCRStageCompleted)
}

// toPHIComplete runs the pipeline up to PHI_COMPLETE and returns the PHI
// Stage Completed envelope.
func (f *fixture) toPHIComplete(c *qt.C) events.Envelope {
	c.Helper()
	c.Assert(f.deliver(c, f.toOCRComplete(c)), qt.IsNil)
	return f.takeOne(c, events.DetailTypePHIStageCompleted)
}

func TestPipeline_EndToEnd(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(c)

	var history []types.Stage
	record := func() { history = append(history, f.stage(c)) }

	c.Assert(f.intake(c), qt.IsNil)
	record()
	c.Check(f.engine.OCRSubmissions, qt.DeepEquals, []types.ArtifactRef{{Bucket: "intake", Key: intakeKey}})
	c.Check(f.watcher.Requests, qt.DeepEquals, []mock.WatchRequest{{JobID: "ocr-1", Kind: types.JobKindOCR}})

	c.Assert(f.complete("ocr-1", types.JobStatusSucceeded, ""), qt.IsNil)
	record()
	ocrEnv := f.takeOne(c, events.DetailTypeOCRStageCompleted)

	var transcript types.Transcript
	c.Assert(object.GetJSON(ctx, f.storage, "silver", types.TranscriptKey(testRef), &transcript), qt.IsNil)
	c.Check(transcript.PageCount, qt.Equals, 2)
	c.Check(transcript.Blocks, qt.DeepEquals, []types.TextBlock{
		{Page: 1, Speaker: "Dr. Smith", Text: "How are you feeling today?"},
		{Page: 2, Speaker: "Patient", Text: "Much better, thank you."},
	})

	// Classification goes along with the PHI stage.
	c.Check(f.engine.ClassificationSubmissions, qt.HasLen, 1)
	c.Check(f.watcher.Requests, qt.HasLen, 2)
	c.Check(f.watcher.Requests[1], qt.Equals, mock.WatchRequest{JobID: "cls-2", Kind: types.JobKindClassification})

	c.Assert(f.deliver(c, ocrEnv), qt.IsNil)
	record()
	phiEnv := f.takeOne(c, events.DetailTypePHIStageCompleted)
	c.Check(f.notifier.Envelopes, qt.HasLen, 1)
	c.Check(f.detector.Texts, qt.DeepEquals, []string{
		"Dr. Smith: How are you feeling today?\nPatient: Much better, thank you.",
	})

	c.Assert(f.deliver(c, phiEnv), qt.IsNil)
	record()
	doneEnv := f.takeOne(c, events.DetailTypePipelineCompleted)
	c.Check(doneEnv.CorrelationID, qt.Equals, testRef.CorrelationID())

	c.Assert(f.deliver(c, doneEnv), qt.IsNil)
	c.Check(f.publisher.Envelopes, qt.HasLen, 0)

	got, err := f.repo.GetConsultation(ctx, testRef)
	c.Assert(err, qt.IsNil)
	c.Check(got.Stage, qt.Equals, types.StageDone)
	c.Check(got.SilverKey, qt.Equals, types.TranscriptKey(testRef))
	c.Check(got.GoldKey, qt.Equals, types.RedactedTranscriptKey(testRef))
	c.Check(got.EmbeddingRef, qt.Equals, "gold/"+types.EmbeddingsKey(testRef))
	c.Check(got.Entities, qt.IsNotNil)
	c.Check(got.Entities, qt.HasLen, 0)

	var artifact types.EmbeddingArtifact
	c.Assert(object.GetJSON(ctx, f.storage, "gold", types.EmbeddingsKey(testRef), &artifact), qt.IsNil)
	c.Check(artifact.Model, qt.Equals, "mock-embedding")
	c.Check(artifact.Dimensions, qt.Equals, 4)
	c.Assert(artifact.Segments, qt.HasLen, 1)
	c.Check(artifact.Segments[0].FirstTurn, qt.Equals, 0)
	c.Check(artifact.Segments[0].LastTurn, qt.Equals, 1)

	c.Check(history, qt.DeepEquals, []types.Stage{
		types.StageOCRRunning, types.StageOCRComplete, types.StagePHIComplete, types.StageDone,
	})
	for i := 1; i < len(history); i++ {
		c.Check(history[i].Rank() > history[i-1].Rank(), qt.IsTrue)
	}

	// The classification outcome lands on the finished consultation.
	c.Assert(f.complete("cls-2", types.JobStatusSucceeded, ""), qt.IsNil)
	got, err = f.repo.GetConsultation(ctx, testRef)
	c.Assert(err, qt.IsNil)
	c.Check(got.DocumentClass, qt.Equals, "consultation-note")
	c.Check(got.Stage, qt.Equals, types.StageDone)
}

func TestPipeline_RedactsDetectedEntities(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(c)
	f.engine.Pages = []ocr.Page{{Number: 1, Paragraphs: []string{"Patient: My name is John Doe."}}}
	entity := types.DetectedEntity{BeginOffset: 20, EndOffset: 28, EntityType: "NAME", ConfidenceScore: 0.99}
	f.detector.Entities = []types.DetectedEntity{entity}

	f.toPHIComplete(c)

	var redacted types.RedactedTranscript
	c.Assert(object.GetJSON(ctx, f.storage, "gold", types.RedactedTranscriptKey(testRef), &redacted), qt.IsNil)
	c.Check(redacted.Text, qt.Equals, "Patient: My name is "+redact.MaskToken+".")
	c.Check(redacted.EntityCount, qt.Equals, 1)

	got, err := f.repo.GetConsultation(ctx, testRef)
	c.Assert(err, qt.IsNil)
	c.Check(got.Entities, qt.DeepEquals, []types.DetectedEntity{entity})
}

func TestIngestion_DuplicateIntake(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	c.Assert(f.intake(c), qt.IsNil)
	c.Assert(f.intake(c), qt.IsNil)

	c.Check(f.engine.OCRSubmissions, qt.HasLen, 1)
	c.Check(f.stage(c), qt.Equals, types.StageOCRRunning)
	for _, req := range f.watcher.Requests {
		c.Check(req.JobID, qt.Equals, "ocr-1")
	}

	n, err := f.repo.CountJobs(context.Background(), testRef, types.JobKindOCR)
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, int64(1))
}

func TestIngestion_WatcherFailureIsRetried(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	f.watcher.Err = errors.New("temporal unavailable")
	c.Assert(f.intake(c), qt.ErrorMatches, ".*temporal unavailable")
	c.Check(f.stage(c), qt.Equals, types.StageOCRRunning)

	f.watcher.Err = nil
	c.Assert(f.intake(c), qt.IsNil)
	c.Check(f.engine.OCRSubmissions, qt.HasLen, 1)
	c.Check(f.watcher.Requests, qt.DeepEquals, []mock.WatchRequest{{JobID: "ocr-1", Kind: types.JobKindOCR}})
}

func TestIngestion_Rejections(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	testcases := []struct {
		name   string
		source types.ArtifactRef
	}{
		{name: "other bucket", source: types.ArtifactRef{Bucket: "silver", Key: intakeKey}},
		{name: "malformed key", source: types.ArtifactRef{Bucket: "intake", Key: "scan.pdf"}},
		{name: "invalid tenant", source: types.ArtifactRef{Bucket: "intake", Key: "documents/../c1/scan.pdf"}},
	}

	for _, tc := range testcases {
		c.Run(tc.name, func(c *qt.C) {
			f := newFixture(c)
			err := NewIngestionTrigger(f.deps).Ingest(ctx, tc.source)
			c.Check(err, qt.ErrorIs, errdomain.ErrValidation)
			c.Check(f.engine.OCRSubmissions, qt.HasLen, 0)
		})
	}
}

func TestIngestion_SubmitError(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.engine.SubmitErr = errdomain.NewTransientError(errors.New("throttled"), 429)

	err := f.intake(c)
	c.Check(errdomain.IsTransient(err), qt.IsTrue)
	c.Check(f.stage(c), qt.Equals, types.StageIntakeReceived)

	f.engine.SubmitErr = nil
	c.Assert(f.intake(c), qt.IsNil)
	c.Check(f.stage(c), qt.Equals, types.StageOCRRunning)
}

func TestCompletion_Idempotent(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	f.toOCRComplete(c)
	c.Assert(f.complete("ocr-1", types.JobStatusSucceeded, ""), qt.IsNil)

	c.Check(f.storage.Puts("silver", types.TranscriptKey(testRef)), qt.Equals, 1)
	c.Check(f.publisher.Envelopes, qt.HasLen, 0)
	c.Check(f.engine.ResultCalls, qt.Equals, 2)
	c.Check(f.engine.ClassificationSubmissions, qt.HasLen, 1)
	c.Check(f.stage(c), qt.Equals, types.StageOCRComplete)
}

func TestCompletion_RepublishesAfterInterruptedDelivery(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	c.Assert(f.intake(c), qt.IsNil)
	f.publisher.Err = errors.New("redis down")
	c.Assert(f.complete("ocr-1", types.JobStatusSucceeded, ""), qt.ErrorMatches, ".*redis down")
	// The transition was applied, the job is still running.
	c.Check(f.stage(c), qt.Equals, types.StageOCRComplete)

	f.publisher.Err = nil
	c.Assert(f.complete("ocr-1", types.JobStatusSucceeded, ""), qt.IsNil)
	f.takeOne(c, events.DetailTypeOCRStageCompleted)

	job, err := f.repo.GetJob(context.Background(), "ocr-1")
	c.Assert(err, qt.IsNil)
	c.Check(job.Status, qt.Equals, types.JobStatusSucceeded)
}

func TestCompletion_OCRFailure(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(c)

	c.Assert(f.intake(c), qt.IsNil)
	c.Assert(f.complete("ocr-1", types.JobStatusFailed, "unreadable scan"), qt.IsNil)
	c.Assert(f.complete("ocr-1", types.JobStatusFailed, "unreadable scan"), qt.IsNil)

	got, err := f.repo.GetConsultation(ctx, testRef)
	c.Assert(err, qt.IsNil)
	c.Check(got.Stage, qt.Equals, types.StageFailed)
	c.Check(got.Error, qt.Equals, "unreadable scan")

	job, err := f.repo.GetJob(ctx, "ocr-1")
	c.Assert(err, qt.IsNil)
	c.Check(job.Status, qt.Equals, types.JobStatusFailed)
	c.Check(job.FailureReason, qt.Equals, "unreadable scan")

	c.Check(f.publisher.Envelopes, qt.HasLen, 0)
	c.Check(f.engine.ResultCalls, qt.Equals, 0)

	// A late intake notification doesn't restart a failed consultation.
	c.Assert(f.intake(c), qt.IsNil)
	c.Check(f.engine.OCRSubmissions, qt.HasLen, 1)
}

func TestCompletion_BeforeOCRRunning(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	testCases := []struct {
		name      string
		status    types.JobStatus
		wantStage types.Stage
	}{
		{name: "succeeded", status: types.JobStatusSucceeded, wantStage: types.StageOCRComplete},
		{name: "failed", status: types.JobStatusFailed, wantStage: types.StageFailed},
	}

	for _, tc := range testCases {
		c.Run(tc.name, func(c *qt.C) {
			f := newFixture(c)

			// Ingestion recorded the job but didn't advance the consultation yet.
			err := f.repo.CreateConsultation(ctx, &repository.ConsultationModel{
				TenantID:       testRef.TenantID,
				ConsultationID: testRef.ConsultationID,
				SourceBucket:   "intake",
				SourceKey:      intakeKey,
			})
			c.Assert(err, qt.IsNil)
			err = f.repo.CreateJob(ctx, &repository.StageJobModel{
				JobID:          "ocr-1",
				Kind:           types.JobKindOCR,
				TenantID:       testRef.TenantID,
				ConsultationID: testRef.ConsultationID,
				Status:         types.JobStatusRunning,
				AttemptCount:   1,
			})
			c.Assert(err, qt.IsNil)

			err = f.complete("ocr-1", tc.status, "unreadable scan")
			c.Check(errdomain.IsTransient(err), qt.IsTrue)

			job, err := f.repo.GetJob(ctx, "ocr-1")
			c.Assert(err, qt.IsNil)
			c.Check(job.Status, qt.Equals, types.JobStatusRunning)
			c.Check(f.stage(c), qt.Equals, types.StageIntakeReceived)
			c.Check(f.logs.FilterMessage("Consultation failed").Len(), qt.Equals, 0)

			err = f.repo.AdvanceStage(ctx, testRef, types.StageIntakeReceived, types.StageOCRRunning, repository.StagePatch{})
			c.Assert(err, qt.IsNil)

			// The redelivered notification applies the outcome.
			c.Assert(f.complete("ocr-1", tc.status, "unreadable scan"), qt.IsNil)
			c.Check(f.stage(c), qt.Equals, tc.wantStage)
			if tc.status == types.JobStatusSucceeded {
				f.takeOne(c, events.DetailTypeOCRStageCompleted)
			}

			job, err = f.repo.GetJob(ctx, "ocr-1")
			c.Assert(err, qt.IsNil)
			c.Check(job.Status, qt.Equals, tc.status)
		})
	}
}

func TestCompletion_StaleFailureIsNotLogged(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	f.toOCRComplete(c)
	// A late failure notification for the retired job is ignored, and a
	// stale failure write doesn't claim the consultation failed.
	err := f.deps.failConsultation(context.Background(), testRef, types.StageOCRRunning, "late")
	c.Assert(err, qt.IsNil)
	c.Check(f.stage(c), qt.Equals, types.StageOCRComplete)
	c.Check(f.logs.FilterMessage("Consultation failed").Len(), qt.Equals, 0)
}

func TestCompletion_UnknownJob(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	err := f.complete("ocr-404", types.JobStatusSucceeded, "")
	c.Check(errdomain.IsTransient(err), qt.IsTrue)
}

func TestCompletion_ClassificationIsBestEffort(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.engine.ClassificationErr = errors.New("processor disabled")

	f.toOCRComplete(c)
	c.Check(f.stage(c), qt.Equals, types.StageOCRComplete)
	c.Check(f.watcher.Requests, qt.HasLen, 1)
	c.Check(f.logs.FilterMessage("Couldn't submit classification job").Len(), qt.Equals, 1)
}

func TestCompletion_ClassificationFailure(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(c)

	f.toOCRComplete(c)
	c.Assert(f.complete("cls-2", types.JobStatusFailed, "no label"), qt.IsNil)

	job, err := f.repo.GetJob(ctx, "cls-2")
	c.Assert(err, qt.IsNil)
	c.Check(job.Status, qt.Equals, types.JobStatusFailed)

	got, err := f.repo.GetConsultation(ctx, testRef)
	c.Assert(err, qt.IsNil)
	c.Check(got.DocumentClass, qt.Equals, "")
	c.Check(got.Stage, qt.Equals, types.StageOCRComplete)
}

func TestPHI_DetectorErrorIsResumed(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	env := f.toOCRComplete(c)

	f.detector.Err = errdomain.NewTransientError(errors.New("model overloaded"), 503)
	err := f.deliver(c, env)
	c.Check(errdomain.IsTransient(err), qt.IsTrue)
	c.Check(f.stage(c), qt.Equals, types.StagePHIDetecting)
	c.Check(f.publisher.Envelopes, qt.HasLen, 0)

	f.detector.Err = nil
	c.Assert(f.deliver(c, env), qt.IsNil)
	c.Check(f.stage(c), qt.Equals, types.StagePHIComplete)
	f.takeOne(c, events.DetailTypePHIStageCompleted)
}

func TestPHI_DuplicateEvent(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	env := f.toOCRComplete(c)

	c.Assert(f.deliver(c, env), qt.IsNil)
	f.takeOne(c, events.DetailTypePHIStageCompleted)
	c.Assert(f.deliver(c, env), qt.IsNil)

	// The duplicate announces the existing result without detecting again.
	f.takeOne(c, events.DetailTypePHIStageCompleted)
	c.Check(f.detector.Texts, qt.HasLen, 1)
	c.Check(f.storage.Puts("gold", types.RedactedTranscriptKey(testRef)), qt.Equals, 1)
}

func TestPHI_MissingTranscriptFails(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	env := f.toOCRComplete(c)

	c.Assert(f.storage.DeleteObject(context.Background(), "silver", types.TranscriptKey(testRef)), qt.IsNil)
	c.Assert(f.deliver(c, env), qt.IsNil)
	c.Check(f.stage(c), qt.Equals, types.StageFailed)
	c.Check(f.detector.Texts, qt.HasLen, 0)
}

func TestPHI_FanoutFailureIsLogged(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.notifier.Err = errors.New("channel closed")

	f.toPHIComplete(c)
	c.Check(f.stage(c), qt.Equals, types.StagePHIComplete)
	c.Check(f.logs.FilterMessage("Couldn't publish PHI fan-out notification").Len(), qt.Equals, 1)
}

func TestEmbedding_EmbedderErrorLeavesStage(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	env := f.toPHIComplete(c)

	f.embedder.Err = errdomain.NewTransientError(errors.New("rate limited"), 429)
	err := f.deliver(c, env)
	c.Check(errdomain.IsTransient(err), qt.IsTrue)
	c.Check(f.stage(c), qt.Equals, types.StagePHIComplete)
	c.Check(f.storage.Has("gold", types.EmbeddingsKey(testRef)), qt.IsFalse)

	f.embedder.Err = nil
	c.Assert(f.deliver(c, env), qt.IsNil)
	c.Check(f.stage(c), qt.Equals, types.StageDone)
	f.takeOne(c, events.DetailTypePipelineCompleted)
}

func TestEmbedding_DuplicateEvent(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	env := f.toPHIComplete(c)

	c.Assert(f.deliver(c, env), qt.IsNil)
	f.takeOne(c, events.DetailTypePipelineCompleted)
	c.Assert(f.deliver(c, env), qt.IsNil)
	f.takeOne(c, events.DetailTypePipelineCompleted)

	c.Check(f.embedder.Calls, qt.HasLen, 1)
	c.Check(f.storage.Puts("gold", types.EmbeddingsKey(testRef)), qt.Equals, 1)
}

func TestEmbedding_Batches(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.deps.Config.EmbeddingMaxTokens = 1
	f.deps.Config.EmbeddingBatchSize = 2

	var paragraphs []string
	for range 5 {
		paragraphs = append(paragraphs, "Patient: "+strings.Repeat("pain ", 4))
	}
	f.engine.Pages = []ocr.Page{{Number: 1, Paragraphs: paragraphs}}

	c.Assert(f.deliver(c, f.toPHIComplete(c)), qt.IsNil)

	c.Assert(f.embedder.Calls, qt.HasLen, 3)
	c.Check(f.embedder.Calls[0], qt.HasLen, 2)
	c.Check(f.embedder.Calls[2], qt.HasLen, 1)

	var artifact types.EmbeddingArtifact
	c.Assert(object.GetJSON(context.Background(), f.storage, "gold", types.EmbeddingsKey(testRef), &artifact), qt.IsNil)
	c.Assert(artifact.Segments, qt.HasLen, 5)
	for i, s := range artifact.Segments {
		c.Check(s.FirstTurn, qt.Equals, i)
		c.Check(s.LastTurn, qt.Equals, i)
	}
}

func TestGroupTurns(t *testing.T) {
	c := qt.New(t)

	c.Check(groupTurns(nil, 10), qt.HasLen, 0)

	segments := groupTurns([]string{"a b", "c d", strings.Repeat("word ", 50), "e"}, 8)
	c.Assert(len(segments) >= 3, qt.IsTrue)
	c.Check(segments[0].firstTurn, qt.Equals, 0)
	c.Check(segments[len(segments)-1].lastTurn, qt.Equals, 3)
	for i := 1; i < len(segments); i++ {
		c.Check(segments[i].firstTurn, qt.Equals, segments[i-1].lastTurn+1)
	}
}

func TestOrchestrator_Start(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(c)
	o := NewOrchestrator(f.deps)

	req := StartRequest{Source: "portal", TenantID: "t1", ConsultationID: "c1"}
	resp, err := o.Start(ctx, req)
	c.Assert(err, qt.IsNil)
	c.Check(resp, qt.DeepEquals, &StartResponse{Status: StatusAccepted, CorrelationID: testRef.CorrelationID()})

	again, err := o.Start(ctx, req)
	c.Assert(err, qt.IsNil)
	c.Check(again, qt.DeepEquals, resp)

	env := f.takeOne(c, events.DetailTypePipelineStartRequested)
	var detail events.StageDetail
	c.Assert(json.Unmarshal(env.Detail, &detail), qt.IsNil)
	c.Check(detail, qt.DeepEquals, events.StageDetail{TenantID: "t1", ConsultationID: "c1", Source: "portal"})

	// Admission calls no capability.
	c.Check(f.engine.OCRSubmissions, qt.HasLen, 0)
	c.Check(f.detector.Texts, qt.HasLen, 0)
	c.Check(f.embedder.Calls, qt.HasLen, 0)

	// The start event ingests the stored intake document.
	c.Assert(f.deliver(c, env), qt.IsNil)
	c.Check(f.stage(c), qt.Equals, types.StageOCRRunning)
}

func TestOrchestrator_Validation(t *testing.T) {
	c := qt.New(t)

	testcases := []struct {
		name string
		req  StartRequest
	}{
		{name: "missing source", req: StartRequest{TenantID: "t1", ConsultationID: "c1"}},
		{name: "long source", req: StartRequest{Source: strings.Repeat("s", 256), TenantID: "t1", ConsultationID: "c1"}},
		{name: "missing tenant", req: StartRequest{Source: "portal", ConsultationID: "c1"}},
		{name: "invalid consultation", req: StartRequest{Source: "portal", TenantID: "t1", ConsultationID: "c/1"}},
	}

	for _, tc := range testcases {
		c.Run(tc.name, func(c *qt.C) {
			f := newFixture(c)
			_, err := NewOrchestrator(f.deps).Start(context.Background(), tc.req)
			c.Check(err, qt.ErrorIs, errdomain.ErrValidation)
			c.Check(f.publisher.Envelopes, qt.HasLen, 0)
		})
	}
}

func TestOrchestrator_PublishFailure(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(c)
	o := NewOrchestrator(f.deps)
	req := StartRequest{Source: "portal", TenantID: "t1", ConsultationID: "c1"}

	f.publisher.Err = errors.New("redis down")
	_, err := o.Start(ctx, req)
	c.Check(errdomain.IsTransient(err), qt.IsTrue)

	f.publisher.Err = nil
	_, err = o.Start(ctx, req)
	c.Assert(err, qt.IsNil)
	f.takeOne(c, events.DetailTypePipelineStartRequested)
}

func TestStartFromRequest_NoIntakeDocument(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	err := NewIngestionTrigger(f.deps).StartFromRequest(context.Background(),
		types.ConsultationRef{TenantID: "t1", ConsultationID: "c2"})
	c.Check(err, qt.ErrorIs, errdomain.ErrValidation)
}

func TestRouter_Rejections(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(c)

	err := f.router.Route(ctx, events.StageEvent{
		DetailType: "Something Else",
		Detail:     events.StageDetail{TenantID: "t1", ConsultationID: "c1"},
	})
	c.Check(err, qt.ErrorIs, errdomain.ErrValidation)

	err = f.router.HandleMessage(ctx, []byte(`not json`))
	c.Check(err, qt.ErrorIs, errdomain.ErrValidation)
}

func TestRouter_BroadcastWrappedMessage(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	inner := []byte(`{"records":[{"bucket":"intake","key":"` + intakeKey + `"}]}`)
	body, err := events.WrapBroadcast(inner)
	c.Assert(err, qt.IsNil)

	c.Assert(f.router.HandleMessage(context.Background(), body), qt.IsNil)
	c.Check(f.stage(c), qt.Equals, types.StageOCRRunning)
}
