package accesslog

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Entry is one access log line, written as JSON.
type Entry struct {
	Time     time.Time `json:"time"`
	Method   string    `json:"method"`
	Bucket   string    `json:"bucket"`
	Key      string    `json:"key,omitempty"`
	Status   int       `json:"status"`
	Bytes    int64     `json:"bytes"`
	ClientIP string    `json:"client_ip"`
	Duration int64     `json:"duration_ms"`
}

// Logger appends one JSON entry per request to a file.
type Logger struct {
	file *os.File
	enc  *json.Encoder
	mu   sync.Mutex
}

func New(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Logger{
		file: f,
		enc:  json.NewEncoder(f),
	}, nil
}

func (l *Logger) Log(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enc.Encode(entry)
}

func (l *Logger) Close() error {
	return l.file.Close()
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.written += int64(n)
	return n, err
}

// Middleware records every request against the logger.
func (l *Logger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		bucket, key := splitPath(r.URL.Path)
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		l.Log(Entry{
			Time:     start.UTC(),
			Method:   r.Method,
			Bucket:   bucket,
			Key:      key,
			Status:   sw.status,
			Bytes:    sw.written,
			ClientIP: host,
			Duration: time.Since(start).Milliseconds(),
		})
	})
}

func splitPath(p string) (bucket, key string) {
	p = strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i], p[i+1:]
	}
	return p, ""
}
