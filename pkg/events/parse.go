package events

import (
	"bytes"
	"encoding/json"
	"net/url"

	"github.com/instill-ai/consultation-backend/pkg/types"
)

// Unwrap resolves the nested envelopes of a queue message body. The body is
// either the event itself or a fan-out wrapper {"Message": "<json>"} around
// it; both forms are accepted. The returned payload is a JSON object.
func Unwrap(body []byte) ([]byte, error) {
	fields, err := objectFields(body)
	if err != nil {
		return nil, err
	}

	raw, ok := fields["Message"]
	if !ok || isEventObject(fields) {
		return bytes.TrimSpace(body), nil
	}

	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, validationError("broadcast Message isn't a string: %v", err)
	}
	if _, err := objectFields([]byte(inner)); err != nil {
		return nil, err
	}
	return bytes.TrimSpace([]byte(inner)), nil
}

func objectFields(b []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, validationError("payload isn't a JSON object: %v", err)
	}
	if fields == nil {
		return nil, validationError("payload is null")
	}
	return fields, nil
}

func isEventObject(fields map[string]json.RawMessage) bool {
	for _, k := range []string{"detail_type", "records", "Records", "job_id"} {
		if _, ok := fields[k]; ok {
			return true
		}
	}
	return false
}

// Decode unwraps a queue message body and parses the inner event.
func Decode(body []byte) (Event, error) {
	payload, err := Unwrap(body)
	if err != nil {
		return nil, err
	}
	return Parse(payload)
}

// Parse turns an event payload into its typed variant. Missing or invalid
// fields fail validation here rather than in the handlers.
func Parse(payload []byte) (Event, error) {
	fields, err := objectFields(payload)
	if err != nil {
		return nil, err
	}

	switch {
	case has(fields, "detail_type"):
		return parseStageEvent(payload)
	case has(fields, "records") || has(fields, "Records"):
		return parseIntakeNotification(fields)
	case has(fields, "job_id"):
		return parseJobCompletion(payload)
	default:
		return nil, validationError("unrecognized event payload")
	}
}

func has(fields map[string]json.RawMessage, key string) bool {
	_, ok := fields[key]
	return ok
}

func parseStageEvent(payload []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, validationError("stage event: %v", err)
	}
	if env.DetailType == "" {
		return nil, validationError("stage event has no detail_type")
	}
	if len(env.Detail) == 0 {
		return nil, validationError("%s event has no detail", env.DetailType)
	}

	var detail StageDetail
	if err := json.Unmarshal(env.Detail, &detail); err != nil {
		return nil, validationError("%s detail: %v", env.DetailType, err)
	}
	if err := detail.Ref().Validate(); err != nil {
		return nil, err
	}

	switch env.DetailType {
	case DetailTypeOCRStageCompleted, DetailTypePHIStageCompleted:
		if detail.ArtifactRef == nil || detail.ArtifactRef.Bucket == "" || detail.ArtifactRef.Key == "" {
			return nil, validationError("%s event has no artifact_ref", env.DetailType)
		}
	}

	return StageEvent{
		Source:        env.Source,
		DetailType:    env.DetailType,
		CorrelationID: env.CorrelationID,
		Detail:        detail,
	}, nil
}

// The records come either in the plain {bucket, key} form or in the S3
// bucket event form used by MinIO notifications, where keys are URL encoded.
type rawRecord struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	S3     *struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

func parseIntakeNotification(fields map[string]json.RawMessage) (Event, error) {
	raw, ok := fields["records"]
	if !ok {
		raw = fields["Records"]
	}

	var records []rawRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, validationError("intake records: %v", err)
	}
	if len(records) == 0 {
		return nil, validationError("intake notification has no record")
	}

	n := IntakeNotification{Records: make([]IntakeRecord, 0, len(records))}
	for i, r := range records {
		rec := IntakeRecord{Bucket: r.Bucket, Key: r.Key}
		if r.S3 != nil {
			key, err := url.QueryUnescape(r.S3.Object.Key)
			if err != nil {
				return nil, validationError("intake record %d: invalid key encoding: %v", i, err)
			}
			rec = IntakeRecord{Bucket: r.S3.Bucket.Name, Key: key}
		}
		if rec.Bucket == "" || rec.Key == "" {
			return nil, validationError("intake record %d needs a bucket and a key", i)
		}
		n.Records = append(n.Records, rec)
	}
	return n, nil
}

func parseJobCompletion(payload []byte) (Event, error) {
	var jc JobCompletion
	if err := json.Unmarshal(payload, &jc); err != nil {
		return nil, validationError("job completion: %v", err)
	}
	if jc.JobID == "" {
		return nil, validationError("job completion has no job_id")
	}
	if jc.Status != types.JobStatusSucceeded && jc.Status != types.JobStatusFailed {
		return nil, validationError("job completion status %q isn't SUCCEEDED or FAILED", jc.Status)
	}
	return jc, nil
}
