package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

const sampleReport = `{
	"total_requests": 10,
	"success_count": 10,
	"failure_count": 0,
	"total_tokens": 1000,
	"apis": {
		"chat": {
			"models": {
				"gpt-4": {
					"total_requests": 10,
					"total_tokens": 1000,
					"details": [{"tokens": {"input": 600, "output": 400}}]
				}
			}
		}
	}
}`

func TestFetchReport(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/management/usage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(sampleReport))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret-key")
	report, err := client.FetchReport(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer secret-key" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if report.TotalRequests != 10 || report.TotalTokens != 1000 {
		t.Fatalf("report = %+v", report)
	}
	m, ok := report.APIs["chat"].Models["gpt-4"]
	if !ok {
		t.Fatal("missing gpt-4")
	}
	if len(m.Details) != 1 || m.Details[0].InputTokens != 600 || m.Details[0].OutputTokens != 400 {
		t.Fatalf("details = %+v", m.Details)
	}
	if len(report.RawJSON) == 0 {
		t.Fatal("raw payload must be retained")
	}
}

func TestFetchReportNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	_, err := client.FetchReport(context.Background())
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("expected StatusError 502, got %v", err)
	}
}

func TestFetchReportUnreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "")
	_, err := client.FetchReport(context.Background())
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestParseReportBadShape(t *testing.T) {
	for _, body := range []string{`[]`, `"str"`, `{"foo": 1}`, `{`} {
		if _, err := ParseReport([]byte(body)); !errors.Is(err, ErrParse) {
			t.Fatalf("body %q: expected ErrParse, got %v", body, err)
		}
	}
}

func TestParseReportAltCounterNames(t *testing.T) {
	report, err := ParseReport([]byte(`{"total_requests": 5, "success": 4, "failure": 1, "total_tokens": 50}`))
	if err != nil {
		t.Fatal(err)
	}
	if report.SuccessCount != 4 || report.FailureCount != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(report.APIs) != 0 {
		t.Fatalf("expected empty apis, got %d", len(report.APIs))
	}
}

func TestParseReportIgnoresUnknownFields(t *testing.T) {
	report, err := ParseReport([]byte(`{"total_requests": 1, "success_count": 1, "failure_count": 0, "total_tokens": 10, "uptime": 12345, "apis": {}}`))
	if err != nil {
		t.Fatal(err)
	}
	if report.TotalRequests != 1 {
		t.Fatalf("report = %+v", report)
	}
}
