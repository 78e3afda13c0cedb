package object

import (
	"context"
	"errors"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
)

type mapStorage map[string][]byte

func (m mapStorage) PutObject(_ context.Context, bucket, key string, content []byte, _ string) error {
	m[bucket+"/"+key] = content
	return nil
}

func (m mapStorage) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	b, ok := m[bucket+"/"+key]
	if !ok {
		return nil, errdomain.ErrNotFound
	}
	return b, nil
}

func (m mapStorage) ListObjectKeys(_ context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for k := range m {
		if key, ok := strings.CutPrefix(k, bucket+"/"); ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m mapStorage) DeleteObject(_ context.Context, bucket, key string) error {
	delete(m, bucket+"/"+key)
	return nil
}

func TestJSONHelpers(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := mapStorage{}

	type artifact struct {
		Text string `json:"text"`
	}

	c.Assert(PutJSON(ctx, s, "silver", "transcripts/t1/c1/transcript.json", artifact{Text: "hello"}), qt.IsNil)
	c.Check(string(s["silver/transcripts/t1/c1/transcript.json"]), qt.Equals, `{"text":"hello"}`)

	var got artifact
	c.Assert(GetJSON(ctx, s, "silver", "transcripts/t1/c1/transcript.json", &got), qt.IsNil)
	c.Check(got.Text, qt.Equals, "hello")

	c.Run("missing object", func(c *qt.C) {
		err := GetJSON(ctx, s, "silver", "missing.json", &got)
		c.Check(errors.Is(err, errdomain.ErrNotFound), qt.IsTrue)
	})

	c.Run("corrupted object", func(c *qt.C) {
		s["silver/broken.json"] = []byte("{")
		err := GetJSON(ctx, s, "silver", "broken.json", &got)
		c.Check(err, qt.ErrorMatches, ".*decoding silver/broken.json: .*")
		c.Check(err, qt.ErrorIs, errdomain.ErrValidation)
	})
}

func TestParseGCSURI(t *testing.T) {
	c := qt.New(t)

	bucket, key, err := ParseGCSURI("gs://ocr-output/jobs/123/0/doc-0.json")
	c.Assert(err, qt.IsNil)
	c.Check(bucket, qt.Equals, "ocr-output")
	c.Check(key, qt.Equals, "jobs/123/0/doc-0.json")

	bucket, key, err = ParseGCSURI("gs://ocr-output")
	c.Assert(err, qt.IsNil)
	c.Check(bucket, qt.Equals, "ocr-output")
	c.Check(key, qt.Equals, "")

	_, _, err = ParseGCSURI("s3://ocr-output/key")
	c.Check(err, qt.IsNotNil)

	c.Check(GCSURI("intake", "documents/t1/c1/"), qt.Equals, "gs://intake/documents/t1/c1/")
}

func TestUnwrapServiceAccountKey(t *testing.T) {
	c := qt.New(t)

	plain := []byte(`{"type":"service_account","project_id":"p"}`)
	got, err := unwrapServiceAccountKey(plain)
	c.Assert(err, qt.IsNil)
	c.Check(string(got), qt.Equals, string(plain))

	wrapped := []byte(`{"data":{"data":{"project_id":"p"}}}`)
	got, err = unwrapServiceAccountKey(wrapped)
	c.Assert(err, qt.IsNil)
	c.Check(string(got), qt.Equals, `{"project_id":"p"}`)
}
