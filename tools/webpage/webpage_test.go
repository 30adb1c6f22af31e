package webpage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExecuteFetchesReadableText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<!DOCTYPE html><html><head><title>Post</title></head><body>
			<article><h1>Go schedulers</h1>
			<p>The runtime multiplexes goroutines onto OS threads. This paragraph
			needs enough prose for the extractor to treat it as the article body,
			so it rambles on about work stealing and run queues for a while.</p>
			</article></body></html>`)
	}))
	defer srv.Close()

	tool := New()
	args, _ := json.Marshal(map[string]string{"url": srv.URL})
	res, err := tool.Execute(context.Background(), "webpage", args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("tool error: %s", res.Error)
	}
	if !strings.Contains(res.Content, "goroutines") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestExecuteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tool := New()
	args, _ := json.Marshal(map[string]string{"url": srv.URL + "/missing"})
	res, err := tool.Execute(context.Background(), "webpage", args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Error, "HTTP 404") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecuteRejectsNonHTTP(t *testing.T) {
	tool := New()
	args, _ := json.Marshal(map[string]string{"url": "file:///etc/passwd"})
	res, err := tool.Execute(context.Background(), "webpage", args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Error == "" {
		t.Error("expected error for non-http scheme")
	}
}

func TestStripTags(t *testing.T) {
	html := `<html><head><style>body{color:red}</style>
		<script>alert("x")</script></head>
		<body><p>hello</p><p>world</p></body></html>`
	got := stripTags(html)
	if !strings.Contains(got, "hello") || !strings.Contains(got, "world") {
		t.Errorf("stripTags = %q", got)
	}
	if strings.Contains(got, "alert") || strings.Contains(got, "color:red") {
		t.Errorf("script/style leaked: %q", got)
	}
}
