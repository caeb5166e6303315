package hostrt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func TestFetchRemoteMediaSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("fake-png-bytes"))
	}))
	defer srv.Close()

	h := NewMediaHandler(t.TempDir())
	data, ct, err := h.FetchRemoteMedia(context.Background(), FetchRemoteMediaOptions{URL: srv.URL, MaxBytes: 1024})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "fake-png-bytes" {
		t.Errorf("got data %q", data)
	}
	if ct != "image/png" {
		t.Errorf("got content-type %q", ct)
	}
}

func TestFetchRemoteMediaRejectsOverCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	h := NewMediaHandler(t.TempDir())
	_, _, err := h.FetchRemoteMedia(context.Background(), FetchRemoteMediaOptions{URL: srv.URL, MaxBytes: 10})
	if err == nil {
		t.Error("expected error when body exceeds MaxBytes")
	}
}

func TestSaveMediaBufferIsContentAddressedAndIdempotent(t *testing.T) {
	dir := t.TempDir()
	h := NewMediaHandler(dir)

	path1, err := h.SaveMediaBuffer([]byte("hello"), "image/png", "inbound")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	path2, err := h.SaveMediaBuffer([]byte("hello"), "image/png", "inbound")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path1 != path2 {
		t.Errorf("expected identical content to resolve to the same path, got %q and %q", path1, path2)
	}

	data, err := os.ReadFile(path1)
	if err != nil {
		t.Fatalf("failed to read saved file: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("got %q", data)
	}
}
