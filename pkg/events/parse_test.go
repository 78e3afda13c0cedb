package events

import (
	"encoding/json"
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/consultation-backend/pkg/types"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
)

func TestUnwrap(t *testing.T) {
	c := qt.New(t)

	inner := `{"job_id":"op-1","status":"SUCCEEDED"}`

	c.Run("plain event", func(c *qt.C) {
		got, err := Unwrap([]byte(" " + inner + "\n"))
		c.Assert(err, qt.IsNil)
		c.Check(string(got), qt.Equals, inner)
	})

	c.Run("broadcast wrapper", func(c *qt.C) {
		wrapped, err := WrapBroadcast([]byte(inner))
		c.Assert(err, qt.IsNil)

		got, err := Unwrap(wrapped)
		c.Assert(err, qt.IsNil)
		c.Check(string(got), qt.Equals, inner)
	})

	c.Run("broadcast wrapper with notification metadata", func(c *qt.C) {
		body := `{"Type":"Notification","MessageId":"m-1","Message":"{\"job_id\":\"op-1\",\"status\":\"FAILED\"}"}`
		got, err := Unwrap([]byte(body))
		c.Assert(err, qt.IsNil)
		c.Check(string(got), qt.Equals, `{"job_id":"op-1","status":"FAILED"}`)
	})

	for name, body := range map[string]string{
		"not json":              `{"job_id":`,
		"array":                 `[1,2]`,
		"null":                  `null`,
		"message isn't string":  `{"Message":{"job_id":"op-1"}}`,
		"message isn't json":    `{"Message":"hello"}`,
		"message isn't object":  `{"Message":"[]"}`,
	} {
		c.Run(name, func(c *qt.C) {
			_, err := Unwrap([]byte(body))
			c.Check(errors.Is(err, errdomain.ErrValidation), qt.IsTrue)
		})
	}
}

func TestParse_StageEvent(t *testing.T) {
	c := qt.New(t)

	ref := types.ConsultationRef{TenantID: "t1", ConsultationID: "c1"}
	env, err := NewEnvelope("consultation.ocr", DetailTypeOCRStageCompleted, StageDetail{
		TenantID:       ref.TenantID,
		ConsultationID: ref.ConsultationID,
		ArtifactRef:    &types.ArtifactRef{Bucket: "silver", Key: types.TranscriptKey(ref)},
	})
	c.Assert(err, qt.IsNil)
	c.Check(env.CorrelationID, qt.Equals, ref.CorrelationID())

	b, err := json.Marshal(env)
	c.Assert(err, qt.IsNil)

	ev, err := Decode(b)
	c.Assert(err, qt.IsNil)

	se, ok := ev.(StageEvent)
	c.Assert(ok, qt.IsTrue)
	c.Check(se.DetailType, qt.Equals, DetailTypeOCRStageCompleted)
	c.Check(se.Source, qt.Equals, "consultation.ocr")
	c.Check(se.Detail.Ref(), qt.Equals, ref)
	c.Check(*se.Detail.ArtifactRef, qt.Equals, types.ArtifactRef{Bucket: "silver", Key: "transcripts/t1/c1/transcript.json"})

	c.Run("missing artifact reference", func(c *qt.C) {
		_, err := Parse([]byte(`{"source":"s","detail_type":"PHI Stage Completed","detail":{"tenant_id":"t1","consultation_id":"c1"}}`))
		c.Check(errors.Is(err, errdomain.ErrValidation), qt.IsTrue)
	})

	c.Run("missing identifiers", func(c *qt.C) {
		_, err := Parse([]byte(`{"source":"s","detail_type":"Pipeline Start Requested","detail":{"tenant_id":"t1"}}`))
		c.Check(errors.Is(err, errdomain.ErrValidation), qt.IsTrue)
	})

	c.Run("missing detail", func(c *qt.C) {
		_, err := Parse([]byte(`{"source":"s","detail_type":"Pipeline Completed"}`))
		c.Check(errors.Is(err, errdomain.ErrValidation), qt.IsTrue)
	})
}

func TestParse_IntakeNotification(t *testing.T) {
	c := qt.New(t)

	c.Run("plain records", func(c *qt.C) {
		ev, err := Parse([]byte(`{"records":[{"bucket":"intake","key":"documents/t1/c1/scan.pdf"}]}`))
		c.Assert(err, qt.IsNil)
		c.Check(ev, qt.DeepEquals, IntakeNotification{Records: []IntakeRecord{
			{Bucket: "intake", Key: "documents/t1/c1/scan.pdf"},
		}})
	})

	c.Run("bucket event records", func(c *qt.C) {
		ev, err := Parse([]byte(`{"EventName":"s3:ObjectCreated:Put","Records":[{"eventName":"s3:ObjectCreated:Put","s3":{"bucket":{"name":"intake"},"object":{"key":"documents%2Ft1%2Fc1%2Fmy+scan.pdf","size":12}}}]}`))
		c.Assert(err, qt.IsNil)
		c.Check(ev, qt.DeepEquals, IntakeNotification{Records: []IntakeRecord{
			{Bucket: "intake", Key: "documents/t1/c1/my scan.pdf"},
		}})
	})

	c.Run("empty records", func(c *qt.C) {
		_, err := Parse([]byte(`{"records":[]}`))
		c.Check(errors.Is(err, errdomain.ErrValidation), qt.IsTrue)
	})

	c.Run("record without key", func(c *qt.C) {
		_, err := Parse([]byte(`{"records":[{"bucket":"intake"}]}`))
		c.Check(errors.Is(err, errdomain.ErrValidation), qt.IsTrue)
	})
}

func TestParse_JobCompletion(t *testing.T) {
	c := qt.New(t)

	ev, err := Parse([]byte(`{"job_id":"op-1","status":"FAILED","reason":"unsupported file"}`))
	c.Assert(err, qt.IsNil)
	c.Check(ev, qt.Equals, Event(JobCompletion{JobID: "op-1", Status: types.JobStatusFailed, Reason: "unsupported file"}))

	_, err = Parse([]byte(`{"job_id":"op-1","status":"RUNNING"}`))
	c.Check(errors.Is(err, errdomain.ErrValidation), qt.IsTrue)

	_, err = Parse([]byte(`{"job_id":"","status":"SUCCEEDED"}`))
	c.Check(errors.Is(err, errdomain.ErrValidation), qt.IsTrue)
}

func TestParse_Unrecognized(t *testing.T) {
	c := qt.New(t)

	_, err := Parse([]byte(`{"hello":"world"}`))
	c.Check(errors.Is(err, errdomain.ErrValidation), qt.IsTrue)
}
