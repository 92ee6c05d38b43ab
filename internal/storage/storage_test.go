package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/beatsync/internal/logging"
)

func testStorage(url string) *Storage {
	s := New(url, "service-key", "music-videos", logging.Discard())
	s.retryBase = time.Millisecond
	return s
}

func TestUploadRetriesTransientStatus(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if r.Method != http.MethodPut || r.Header.Get("Authorization") != "Bearer service-key" {
			t.Errorf("unexpected request %s %v", r.Method, r.Header)
		}
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("body = %q", body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := testStorage(srv.URL).Upload(context.Background(), "runs/a/file.json", []byte("payload"), "application/json"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestUploadStopsOnClientError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("bad key"))
	}))
	defer srv.Close()

	err := testStorage(srv.URL).Upload(context.Background(), "x", []byte("y"), "text/plain")
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected a 403 error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPublishRun(t *testing.T) {
	var mu sync.Mutex
	var uploaded []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		uploaded = append(uploaded, r.URL.Path+" "+r.Header.Get("Content-Type"))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	dir := t.TempDir()
	master := filepath.Join(dir, "music_video_master.mp4")
	report := filepath.Join(dir, "run_report.json")
	if err := os.WriteFile(master, []byte("mp4"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(report, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}

	runID := uuid.MustParse("6f1c2a9e-8f41-4c1e-9a4e-1f2d3c4b5a69")
	url, err := testStorage(srv.URL).PublishRun(context.Background(), runID, master, report, filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatalf("PublishRun: %v", err)
	}
	want := srv.URL + "/storage/v1/object/public/music-videos/runs/" + runID.String() + "/music_video_master.mp4"
	if url != want {
		t.Errorf("url = %s, want %s", url, want)
	}
	if len(uploaded) != 2 {
		t.Fatalf("uploaded = %v", uploaded)
	}
	if !strings.HasSuffix(uploaded[0], "/music_video_master.mp4 video/mp4") {
		t.Errorf("master upload = %s", uploaded[0])
	}
	if !strings.HasSuffix(uploaded[1], "/run_report.json application/json") {
		t.Errorf("report upload = %s", uploaded[1])
	}
}

func TestGetSignedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/storage/v1/object/sign/music-videos/runs/a/master.mp4" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"signedURL": "/object/sign/music-videos/runs/a/master.mp4?token=abc"}`))
	}))
	defer srv.Close()

	url, err := testStorage(srv.URL).GetSignedURL(context.Background(), "runs/a/master.mp4", 3600)
	if err != nil {
		t.Fatal(err)
	}
	if url != srv.URL+"/storage/v1/object/sign/music-videos/runs/a/master.mp4?token=abc" {
		t.Errorf("url = %s", url)
	}
}
