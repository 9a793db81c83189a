package api

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/questionpy-go/questionpy-server/internal/testutil"
)

func newJSONRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestParseRequestJSON(t *testing.T) {
	r := newJSONRequest(t, `{"context":1}`)
	parsed, err := parseRequest(r, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if string(parsed.main) != `{"context":1}` {
		t.Fatalf("unexpected main: %s", parsed.main)
	}
	if parsed.hasPackage || parsed.hasQuestionState {
		t.Fatal("JSON body should carry no package or question_state parts")
	}
}

func newMultipartRequest(t *testing.T, parts map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, value := range parts {
		w, err := mw.CreateFormField(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(value)); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodPost, "/", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func TestParseRequestMultipart(t *testing.T) {
	state := testutil.NewState(map[string]any{"attempted": true})
	r := newMultipartRequest(t, map[string]string{
		"main":           `{"context":1}`,
		"package":        "archive bytes",
		"question_state": string(state),
		"unknown":        "ignored",
	})
	parsed, err := parseRequest(r, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if string(parsed.main) != `{"context":1}` {
		t.Fatalf("unexpected main: %s", parsed.main)
	}
	if !parsed.hasPackage || string(parsed.packageData) != "archive bytes" {
		t.Fatalf("unexpected package part: %+v", parsed)
	}
	if parsed.packageHash == "" {
		t.Fatal("expected a computed package hash")
	}
	if !parsed.hasQuestionState || string(parsed.questionState) != string(state) {
		t.Fatalf("unexpected question_state part: %+v", parsed)
	}
}

func TestParseRequestPackageTooLarge(t *testing.T) {
	r := newMultipartRequest(t, map[string]string{"package": "0123456789"})
	_, err := parseRequest(r, 5)
	re, ok := err.(*RequestError)
	if !ok {
		t.Fatalf("expected *RequestError, got %T: %v", err, err)
	}
	if re.httpStatus() != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", re.httpStatus())
	}
}

func TestParseRequestMissingBoundary(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
	r.Header.Set("Content-Type", "multipart/form-data")
	if _, err := parseRequest(r, 1024); err == nil {
		t.Fatal("expected an error for a missing boundary")
	}
}

func TestDecodeMainEmptyBodyDefaultsToEmptyObject(t *testing.T) {
	var dst struct {
		Context int `json:"context"`
	}
	if err := decodeMain(&parsedRequest{}, &dst); err != nil {
		t.Fatal(err)
	}
}

func TestDecodeMainRejectsUnknownFields(t *testing.T) {
	var dst struct {
		Context int `json:"context"`
	}
	parsed := &parsedRequest{main: []byte(`{"unexpected":true}`)}
	if err := decodeMain(parsed, &dst); err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestRequireQuestionStateMissingReturns400OrNotFound(t *testing.T) {
	parsed := &parsedRequest{}

	_, err := requireQuestionState(parsed, false)
	if re, ok := err.(*RequestError); !ok || re.ErrorCode != ErrInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}

	_, err = requireQuestionState(parsed, true)
	if _, ok := err.(*notFoundError); !ok {
		t.Fatalf("expected a notFoundError, got %T: %v", err, err)
	}
}
