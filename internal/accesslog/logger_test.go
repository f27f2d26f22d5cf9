package accesslog

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestLogger_MiddlewareWritesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	l, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte("payload"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/bucket/some/key.txt", nil)
	req.RemoteAddr = "192.0.2.7:1234"
	handler.ServeHTTP(httptest.NewRecorder(), req)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/bucket", nil))

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad log line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	if entries[0].Bucket != "bucket" || entries[0].Key != "some/key.txt" {
		t.Errorf("entry 0 path = %s/%s", entries[0].Bucket, entries[0].Key)
	}
	if entries[0].Status != http.StatusOK || entries[0].Bytes != 7 {
		t.Errorf("entry 0 = status %d bytes %d", entries[0].Status, entries[0].Bytes)
	}
	if entries[0].ClientIP != "192.0.2.7" {
		t.Errorf("entry 0 client = %s", entries[0].ClientIP)
	}
	if entries[1].Status != http.StatusNotFound || entries[1].Key != "" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}
