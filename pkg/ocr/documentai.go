package ocr

import (
	"context"
	"fmt"
	"mime"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/encoding/protojson"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"

	"github.com/instill-ai/consultation-backend/config"
	"github.com/instill-ai/consultation-backend/pkg/repository/object"
	"github.com/instill-ai/consultation-backend/pkg/types"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

type documentAIEngine struct {
	client  *documentai.DocumentProcessorClient
	storage object.Storage
	cfg     config.DocumentAIConfig
	logger  *zap.Logger
}

// NewDocumentAIEngine returns an Engine running batch jobs on Google Document
// AI. Inputs are read from and outputs written to GCS, results are read back
// through storage.
func NewDocumentAIEngine(ctx context.Context, cfg config.DocumentAIConfig, gcs config.GCSConfig, storage object.Storage, logger *zap.Logger) (Engine, error) {
	if cfg.ProjectID == "" || cfg.OCRProcessorID == "" || cfg.OutputBucket == "" {
		return nil, errorsx.AddMessage(
			errorsx.ErrInvalidArgument,
			"Document AI requires a project, an OCR processor and an output bucket.",
		)
	}

	location := cfg.Location
	if location == "" {
		location = "us"
	}
	cfg.Location = location

	opts := []option.ClientOption{option.WithEndpoint(fmt.Sprintf("%s-documentai.googleapis.com:443", location))}
	if gcs.SAKey != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(gcs.SAKey)))
	}

	client, err := documentai.NewDocumentProcessorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating Document AI client: %w", err)
	}

	return &documentAIEngine{
		client:  client,
		storage: storage,
		cfg:     cfg,
		logger:  logger.With(zap.String("engine", "documentai"), zap.String("location", location)),
	}, nil
}

func processorName(projectID, location, processorID string) string {
	return fmt.Sprintf("projects/%s/locations/%s/processors/%s", projectID, location, processorID)
}

func mimeTypeOf(key string) string {
	if mt := mime.TypeByExtension(strings.ToLower(path.Ext(key))); mt != "" {
		return strings.Split(mt, ";")[0]
	}
	return "application/pdf"
}

func (e *documentAIEngine) submit(ctx context.Context, processorID string, source types.ArtifactRef, kind string) (string, error) {
	outputPrefix := fmt.Sprintf("%s/%s/", kind, uuid.Must(uuid.NewV4()))

	req := &documentaipb.BatchProcessRequest{
		Name: processorName(e.cfg.ProjectID, e.cfg.Location, processorID),
		InputDocuments: &documentaipb.BatchDocumentsInputConfig{
			Source: &documentaipb.BatchDocumentsInputConfig_GcsDocuments{
				GcsDocuments: &documentaipb.GcsDocuments{
					Documents: []*documentaipb.GcsDocument{{
						GcsUri:   object.GCSURI(source.Bucket, source.Key),
						MimeType: mimeTypeOf(source.Key),
					}},
				},
			},
		},
		DocumentOutputConfig: &documentaipb.DocumentOutputConfig{
			Destination: &documentaipb.DocumentOutputConfig_GcsOutputConfig_{
				GcsOutputConfig: &documentaipb.DocumentOutputConfig_GcsOutputConfig{
					GcsUri: object.GCSURI(e.cfg.OutputBucket, outputPrefix),
				},
			},
		},
	}

	op, err := e.client.BatchProcessDocuments(ctx, req)
	if err != nil {
		return "", fmt.Errorf("documentai BatchProcessDocuments: %w", err)
	}

	e.logger.Info("Batch job submitted",
		zap.String("kind", kind),
		zap.String("source", source.String()),
		zap.String("jobID", op.Name()))
	return op.Name(), nil
}

// SubmitOCR implements Engine.SubmitOCR
func (e *documentAIEngine) SubmitOCR(ctx context.Context, source types.ArtifactRef) (string, error) {
	return e.submit(ctx, e.cfg.OCRProcessorID, source, "ocr")
}

// SubmitClassification implements Engine.SubmitClassification
func (e *documentAIEngine) SubmitClassification(ctx context.Context, source types.ArtifactRef) (string, error) {
	if e.cfg.ClassifierProcessorID == "" {
		return "", fmt.Errorf("%w: no classifier processor configured", errdomain.ErrValidation)
	}
	return e.submit(ctx, e.cfg.ClassifierProcessorID, source, "classification")
}

func (e *documentAIEngine) metadata(ctx context.Context, jobID string) (*documentaipb.BatchProcessMetadata, error) {
	op := e.client.BatchProcessDocumentsOperation(jobID)
	if _, err := op.Poll(ctx); err != nil && !op.Done() {
		return nil, errdomain.NewTransientError(fmt.Errorf("polling job %s: %w", jobID, err), 0)
	}

	md, err := op.Metadata()
	if err != nil {
		return nil, fmt.Errorf("reading metadata of job %s: %w", jobID, err)
	}
	if md == nil {
		return &documentaipb.BatchProcessMetadata{State: documentaipb.BatchProcessMetadata_RUNNING}, nil
	}
	return md, nil
}

// GetJobState implements Engine.GetJobState
func (e *documentAIEngine) GetJobState(ctx context.Context, jobID string) (types.JobOutcome, error) {
	md, err := e.metadata(ctx, jobID)
	if err != nil {
		return types.JobOutcome{}, err
	}
	return outcomeFromMetadata(md), nil
}

func outcomeFromMetadata(md *documentaipb.BatchProcessMetadata) types.JobOutcome {
	switch md.GetState() {
	case documentaipb.BatchProcessMetadata_SUCCEEDED:
		for _, s := range md.GetIndividualProcessStatuses() {
			if s.GetStatus().GetCode() != 0 {
				return types.JobOutcome{Status: types.JobStatusFailed, Reason: s.GetStatus().GetMessage()}
			}
		}
		return types.JobOutcome{Status: types.JobStatusSucceeded}
	case documentaipb.BatchProcessMetadata_FAILED, documentaipb.BatchProcessMetadata_CANCELLED:
		reason := md.GetStateMessage()
		if reason == "" {
			reason = "batch process " + strings.ToLower(md.GetState().String())
		}
		return types.JobOutcome{Status: types.JobStatusFailed, Reason: reason}
	default:
		return types.JobOutcome{Status: types.JobStatusRunning}
	}
}

// shardKeys lists the output documents of a job, in shard order.
func (e *documentAIEngine) shardKeys(ctx context.Context, jobID string) ([]types.ArtifactRef, error) {
	md, err := e.metadata(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if md.GetState() != documentaipb.BatchProcessMetadata_SUCCEEDED {
		return nil, fmt.Errorf("%w: job %s is %s", errdomain.ErrValidation, jobID, md.GetState())
	}

	var shards []types.ArtifactRef
	for _, s := range md.GetIndividualProcessStatuses() {
		bucket, prefix, err := object.ParseGCSURI(s.GetOutputGcsDestination())
		if err != nil {
			return nil, err
		}
		keys, err := e.storage.ListObjectKeys(ctx, bucket, prefix)
		if err != nil {
			return nil, err
		}
		sort.Strings(keys)
		for _, k := range keys {
			if strings.HasSuffix(strings.ToLower(k), ".json") {
				shards = append(shards, types.ArtifactRef{Bucket: bucket, Key: k})
			}
		}
	}
	return shards, nil
}

func (e *documentAIEngine) readShard(ctx context.Context, loc types.ArtifactRef) (*documentaipb.Document, error) {
	b, err := e.storage.GetObject(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return nil, err
	}

	doc := &documentaipb.Document{}
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(b, doc); err != nil {
		return nil, fmt.Errorf("decoding document shard %s/%s: %w", loc.Bucket, loc.Key, err)
	}
	return doc, nil
}

// GetResultPage implements Engine.GetResultPage. Every output shard is one
// result page, the token is the index of the shard to read.
func (e *documentAIEngine) GetResultPage(ctx context.Context, jobID, pageToken string) (*ResultPage, error) {
	shards, err := e.shardKeys(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return &ResultPage{}, nil
	}

	idx := 0
	if pageToken != "" {
		idx, err = strconv.Atoi(pageToken)
		if err != nil || idx < 0 || idx >= len(shards) {
			return nil, fmt.Errorf("%w: invalid page token %q", errdomain.ErrValidation, pageToken)
		}
	}

	doc, err := e.readShard(ctx, shards[idx])
	if err != nil {
		return nil, err
	}

	rp := &ResultPage{Pages: pagesFromDocument(doc)}
	if idx+1 < len(shards) {
		rp.NextPageToken = strconv.Itoa(idx + 1)
	}
	return rp, nil
}

// GetClassification implements Engine.GetClassification
func (e *documentAIEngine) GetClassification(ctx context.Context, jobID string) (*Classification, error) {
	shards, err := e.shardKeys(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("classification job %s: %w", jobID, errdomain.ErrNotFound)
	}

	doc, err := e.readShard(ctx, shards[0])
	if err != nil {
		return nil, err
	}
	return classificationFromDocument(doc)
}

func pagesFromDocument(doc *documentaipb.Document) []Page {
	pages := make([]Page, 0, len(doc.GetPages()))
	for _, p := range doc.GetPages() {
		page := Page{Number: int(p.GetPageNumber())}
		for _, para := range p.GetParagraphs() {
			t := strings.TrimSpace(textFromAnchor(doc.GetText(), para.GetLayout().GetTextAnchor()))
			if t == "" {
				continue
			}
			page.Paragraphs = append(page.Paragraphs, t)
		}
		pages = append(pages, page)
	}

	// Some processors populate the text but omit the page layout.
	if len(pages) == 0 && strings.TrimSpace(doc.GetText()) != "" {
		pages = append(pages, Page{Number: 1, Paragraphs: []string{strings.TrimSpace(doc.GetText())}})
	}
	return pages
}

func textFromAnchor(full string, anchor *documentaipb.Document_TextAnchor) string {
	if anchor == nil || full == "" {
		return ""
	}

	var b strings.Builder
	for _, seg := range anchor.GetTextSegments() {
		start := int(seg.GetStartIndex())
		end := min(int(seg.GetEndIndex()), len(full))
		if start < 0 {
			start = 0
		}
		if start >= end {
			continue
		}
		b.WriteString(full[start:end])
	}
	return b.String()
}

func classificationFromDocument(doc *documentaipb.Document) (*Classification, error) {
	var best *documentaipb.Document_Entity
	for _, ent := range doc.GetEntities() {
		if best == nil || ent.GetConfidence() > best.GetConfidence() {
			best = ent
		}
	}
	if best == nil {
		return nil, fmt.Errorf("classification output: %w", errdomain.ErrNotFound)
	}
	return &Classification{Label: best.GetType(), Confidence: float64(best.GetConfidence())}, nil
}
