package httputil

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func responseWith(t *testing.T, status int, body string) *http.Response {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return resp
}

func TestParseErrorResponseSuccessIsNil(t *testing.T) {
	resp := responseWith(t, http.StatusOK, `{"ok":true}`)
	defer resp.Body.Close()

	if err := ParseErrorResponse(resp); err != nil {
		t.Errorf("ParseErrorResponse on 200 = %v, want nil", err)
	}
}

func TestParseErrorResponseCapturesBody(t *testing.T) {
	resp := responseWith(t, http.StatusForbidden, `{"error":"insufficient scope"}`)
	defer resp.Body.Close()

	err := ParseErrorResponse(resp)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %T, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d", httpErr.StatusCode)
	}
	if !strings.Contains(httpErr.Error(), "insufficient scope") {
		t.Errorf("message %q missing the response body", httpErr.Error())
	}

	// The body is re-wrapped for the caller.
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		t.Fatalf("re-read body: %v", readErr)
	}
	if !strings.Contains(string(body), "insufficient scope") {
		t.Error("body not readable after ParseErrorResponse")
	}
}

func TestParseErrorResponseTruncatesLongBodies(t *testing.T) {
	resp := responseWith(t, http.StatusBadGateway, strings.Repeat("x", MaxErrorBodySize*3))
	defer resp.Body.Close()

	err := ParseErrorResponse(resp)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %T, want *HTTPError", err)
	}
	if len(httpErr.Body) > MaxErrorBodySize+3 {
		t.Errorf("body length = %d, want truncated to %d", len(httpErr.Body), MaxErrorBodySize)
	}
}

func TestHTTPErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		auth      bool
		transient bool
	}{
		{status: http.StatusUnauthorized, auth: true},
		{status: http.StatusForbidden, auth: true},
		{status: http.StatusNotFound},
		{status: http.StatusTooManyRequests, transient: true},
		{status: http.StatusInternalServerError, transient: true},
		{status: http.StatusServiceUnavailable, transient: true},
	}

	for _, tt := range tests {
		e := &HTTPError{StatusCode: tt.status}
		if e.IsAuthStatus() != tt.auth {
			t.Errorf("IsAuthStatus(%d) = %v, want %v", tt.status, e.IsAuthStatus(), tt.auth)
		}
		if e.IsTransient() != tt.transient {
			t.Errorf("IsTransient(%d) = %v, want %v", tt.status, e.IsTransient(), tt.transient)
		}
	}
}
