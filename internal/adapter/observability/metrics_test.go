package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPMetricsMiddleware_Basic(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	mw := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) }))
	mw.ServeHTTP(rec, r)
	if rec.Result().StatusCode != 204 {
		t.Fatalf("want 204")
	}
}

func TestJobMetricsHelpers(t *testing.T) {
	InitMetrics()
	EnqueueJob("parse-document")
	StartProcessingJob("parse-document")
	CompleteJob("parse-document")
	StartProcessingJob("parse-document")
	RetryJob("parse-document")
	StartProcessingJob("parse-document")
	FailJob("parse-document")
	ObserveStage("parsing", 1.25)
	SetQueueDepth("created", 3)
	RecordAITokens("gemini", "gemini-2.5-flash", 120, 40)
	ObserveDocumentChunks(42)
	ObserveContradictionConfidence(0.85)
	// Out-of-range observations are dropped, not panicking.
	ObserveDocumentChunks(-1)
	ObserveContradictionConfidence(1.5)
}
