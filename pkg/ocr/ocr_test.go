package ocr

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/genproto/googleapis/rpc/status"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/consultation-backend/pkg/types"
)

type pagedEngine struct {
	Engine
	results map[string]*ResultPage
	calls   []string
	err     error
}

func (e *pagedEngine) GetResultPage(_ context.Context, _ string, token string) (*ResultPage, error) {
	e.calls = append(e.calls, token)
	if e.err != nil {
		return nil, e.err
	}
	return e.results[token], nil
}

func TestFetchAllPages(t *testing.T) {
	c := qt.New(t)

	engine := &pagedEngine{results: map[string]*ResultPage{
		"":  {Pages: []Page{{Number: 1, Paragraphs: []string{"one"}}}, NextPageToken: "1"},
		"1": {Pages: []Page{{Number: 2, Paragraphs: []string{"two"}}}, NextPageToken: "2"},
		"2": {Pages: []Page{{Number: 3, Paragraphs: []string{"three"}}}},
	}}

	pages, err := FetchAllPages(context.Background(), engine, "op-1")
	c.Assert(err, qt.IsNil)
	c.Check(pages, qt.HasLen, 3)
	c.Check(engine.calls, qt.DeepEquals, []string{"", "1", "2"})

	c.Run("engine error", func(c *qt.C) {
		engine := &pagedEngine{err: errors.New("quota exceeded")}
		_, err := FetchAllPages(context.Background(), engine, "op-1")
		c.Check(err, qt.ErrorMatches, "fetching results of job op-1: quota exceeded")
	})
}

func TestAssembleTranscript(t *testing.T) {
	c := qt.New(t)

	ref := types.ConsultationRef{TenantID: "t1", ConsultationID: "c1"}
	pages := []Page{
		{Number: 2, Paragraphs: []string{"Patient: I sleep   badly.\nDoctor: Since when?"}},
		{Number: 1, Paragraphs: []string{"Consultation notes", "  ", "Doctor: Good morning."}},
	}

	tr := AssembleTranscript(ref, pages)
	c.Check(tr.TenantID, qt.Equals, "t1")
	c.Check(tr.ConsultationID, qt.Equals, "c1")
	c.Check(tr.PageCount, qt.Equals, 2)
	c.Check(tr.Blocks, qt.DeepEquals, []types.TextBlock{
		{Page: 1, Text: "Consultation notes"},
		{Page: 1, Speaker: "Doctor", Text: "Good morning."},
		{Page: 2, Speaker: "Patient", Text: "I sleep badly."},
		{Page: 2, Speaker: "Doctor", Text: "Since when?"},
	})

	c.Run("no page", func(c *qt.C) {
		tr := AssembleTranscript(ref, nil)
		c.Check(tr.PageCount, qt.Equals, 0)
		c.Check(tr.Blocks, qt.HasLen, 0)
	})
}

func TestPagesFromDocument(t *testing.T) {
	c := qt.New(t)

	text := "Doctor: Hello\nPatient: Hi\n"
	anchor := func(start, end int64) *documentaipb.Document_Page_Paragraph {
		return &documentaipb.Document_Page_Paragraph{Layout: &documentaipb.Document_Page_Layout{
			TextAnchor: &documentaipb.Document_TextAnchor{TextSegments: []*documentaipb.Document_TextAnchor_TextSegment{
				{StartIndex: start, EndIndex: end},
			}},
		}}
	}

	doc := &documentaipb.Document{
		Text: text,
		Pages: []*documentaipb.Document_Page{
			{PageNumber: 1, Paragraphs: []*documentaipb.Document_Page_Paragraph{anchor(0, 14), anchor(14, 200)}},
		},
	}

	c.Check(pagesFromDocument(doc), qt.DeepEquals, []Page{
		{Number: 1, Paragraphs: []string{"Doctor: Hello", "Patient: Hi"}},
	})

	c.Run("text without layout", func(c *qt.C) {
		pages := pagesFromDocument(&documentaipb.Document{Text: " Just text "})
		c.Check(pages, qt.DeepEquals, []Page{{Number: 1, Paragraphs: []string{"Just text"}}})
	})
}

func TestOutcomeFromMetadata(t *testing.T) {
	c := qt.New(t)

	c.Check(outcomeFromMetadata(&documentaipb.BatchProcessMetadata{State: documentaipb.BatchProcessMetadata_RUNNING}),
		qt.Equals, types.JobOutcome{Status: types.JobStatusRunning})

	c.Check(outcomeFromMetadata(&documentaipb.BatchProcessMetadata{State: documentaipb.BatchProcessMetadata_SUCCEEDED}),
		qt.Equals, types.JobOutcome{Status: types.JobStatusSucceeded})

	c.Check(outcomeFromMetadata(&documentaipb.BatchProcessMetadata{
		State:        documentaipb.BatchProcessMetadata_FAILED,
		StateMessage: "unsupported input",
	}), qt.Equals, types.JobOutcome{Status: types.JobStatusFailed, Reason: "unsupported input"})

	c.Check(outcomeFromMetadata(&documentaipb.BatchProcessMetadata{
		State: documentaipb.BatchProcessMetadata_SUCCEEDED,
		IndividualProcessStatuses: []*documentaipb.BatchProcessMetadata_IndividualProcessStatus{
			{Status: &status.Status{Code: 3, Message: "corrupted document"}},
		},
	}), qt.Equals, types.JobOutcome{Status: types.JobStatusFailed, Reason: "corrupted document"})
}

func TestClassificationFromDocument(t *testing.T) {
	c := qt.New(t)

	got, err := classificationFromDocument(&documentaipb.Document{Entities: []*documentaipb.Document_Entity{
		{Type: "lab_report", Confidence: 0.2},
		{Type: "referral_letter", Confidence: 0.7},
	}})
	c.Assert(err, qt.IsNil)
	c.Check(got.Label, qt.Equals, "referral_letter")

	_, err = classificationFromDocument(&documentaipb.Document{})
	c.Check(err, qt.IsNotNil)
}

func TestMimeTypeOf(t *testing.T) {
	c := qt.New(t)

	c.Check(mimeTypeOf("documents/t1/c1/scan.pdf"), qt.Equals, "application/pdf")
	c.Check(mimeTypeOf("documents/t1/c1/scan.PNG"), qt.Equals, "image/png")
	c.Check(mimeTypeOf("documents/t1/c1/scan"), qt.Equals, "application/pdf")
}
