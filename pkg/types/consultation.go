package types

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gofrs/uuid"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
)

// ConsultationRef identifies a consultation.
type ConsultationRef struct {
	TenantID       string `json:"tenant_id"`
	ConsultationID string `json:"consultation_id"`
}

func (r ConsultationRef) String() string {
	return r.TenantID + "/" + r.ConsultationID
}

var identifierRegexp = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidIdentifier reports whether s can be used as a tenant or consultation
// identifier. Identifiers are embedded in object keys, so path separators are
// rejected.
func ValidIdentifier(s string) bool {
	return identifierRegexp.MatchString(s) && s != "." && s != ".."
}

// Validate checks both identifiers of the reference.
func (r ConsultationRef) Validate() error {
	if !ValidIdentifier(r.TenantID) {
		return fmt.Errorf("%w: invalid tenant_id %q", errdomain.ErrValidation, r.TenantID)
	}
	if !ValidIdentifier(r.ConsultationID) {
		return fmt.Errorf("%w: invalid consultation_id %q", errdomain.ErrValidation, r.ConsultationID)
	}
	return nil
}

var correlationNamespace = uuid.NewV5(uuid.NamespaceURL, "https://instill.tech/consultation")

// CorrelationID derives the stable correlation id of a consultation. The same
// reference always yields the same id.
func (r ConsultationRef) CorrelationID() string {
	return uuid.NewV5(correlationNamespace, r.String()).String()
}

// DetectedEntity is a span of identifying text found by the detector. Offsets
// are rune offsets into the speaker-tagged transcript text, end exclusive.
type DetectedEntity struct {
	BeginOffset     int     `json:"begin_offset"`
	EndOffset       int     `json:"end_offset"`
	EntityType      string  `json:"entity_type"`
	ConfidenceScore float64 `json:"confidence_score"`
}

const intakeKeyRoot = "documents"

// IntakePrefix is the object key prefix under which the documents of a
// consultation land.
func IntakePrefix(ref ConsultationRef) string {
	return fmt.Sprintf("%s/%s/%s/", intakeKeyRoot, ref.TenantID, ref.ConsultationID)
}

// ParseIntakeKey extracts the consultation reference of an intake object key
// following the documents/<tenant_id>/<consultation_id>/<file> convention.
func ParseIntakeKey(key string) (ConsultationRef, error) {
	parts := strings.SplitN(key, "/", 4)
	if len(parts) != 4 || parts[0] != intakeKeyRoot || parts[3] == "" || strings.HasSuffix(parts[3], "/") {
		return ConsultationRef{}, fmt.Errorf("%w: object key %q doesn't match %s/<tenant_id>/<consultation_id>/<file>",
			errdomain.ErrValidation, key, intakeKeyRoot)
	}

	ref := ConsultationRef{TenantID: parts[1], ConsultationID: parts[2]}
	if err := ref.Validate(); err != nil {
		return ConsultationRef{}, err
	}
	return ref, nil
}

// TranscriptKey is the silver object key of the OCR transcript.
func TranscriptKey(ref ConsultationRef) string {
	return fmt.Sprintf("transcripts/%s/%s/transcript.json", ref.TenantID, ref.ConsultationID)
}

// RedactedTranscriptKey is the gold object key of the redacted transcript.
func RedactedTranscriptKey(ref ConsultationRef) string {
	return fmt.Sprintf("redacted/%s/%s/transcript.json", ref.TenantID, ref.ConsultationID)
}

// EmbeddingsKey is the gold object key of the embedding vectors.
func EmbeddingsKey(ref ConsultationRef) string {
	return fmt.Sprintf("embeddings/%s/%s/embeddings.json", ref.TenantID, ref.ConsultationID)
}

// ArtifactRef locates a persisted artifact. Events carry references, never
// the artifact payload.
type ArtifactRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (a ArtifactRef) String() string {
	return a.Bucket + "/" + a.Key
}

// IsZero reports whether a is unset.
func (a ArtifactRef) IsZero() bool {
	return a.Bucket == "" && a.Key == ""
}
