package transport

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LoggingTransport wraps http.RoundTripper to trace upstream HTTP/SSE
// traffic at debug level. Useful when diagnosing a misbehaving upstream
// without reaching for a packet capture.
type LoggingTransport struct {
	base   http.RoundTripper
	logger *zap.Logger
	mu     sync.Mutex
}

// NewLoggingTransport wraps base (or http.DefaultTransport if nil).
func NewLoggingTransport(base http.RoundTripper, logger *zap.Logger) *LoggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &LoggingTransport{base: base, logger: logger.Named("http-trace")}
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	t.logger.Debug("upstream request", zap.String("method", req.Method), zap.String("url", req.URL.String()))

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)
	if err != nil {
		t.logger.Debug("upstream request failed", zap.Error(err), zap.Duration("duration", duration))
		return nil, err
	}

	t.logger.Debug("upstream response",
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", duration))

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		resp.Body = newSSELoggingReader(resp.Body, t.logger)
	} else {
		resp.Body = newBodyLoggingReader(resp.Body, t.logger)
	}

	return resp, nil
}

type bodyLoggingReader struct {
	rc     io.ReadCloser
	logger *zap.Logger
	buffer bytes.Buffer
}

func newBodyLoggingReader(rc io.ReadCloser, logger *zap.Logger) io.ReadCloser {
	return &bodyLoggingReader{rc: rc, logger: logger}
}

func (r *bodyLoggingReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.buffer.Write(p[:n])
	}
	if err == io.EOF && r.buffer.Len() > 0 {
		body := r.buffer.String()
		if len(body) > 2000 {
			body = body[:2000] + "...(truncated)"
		}
		r.logger.Debug("upstream response body", zap.String("body", body))
	}
	return n, err
}

func (r *bodyLoggingReader) Close() error { return r.rc.Close() }

type sseLoggingReader struct {
	io.ReadCloser
}

// newSSELoggingReader tees the response body so the underlying MCP client
// keeps consuming it unmodified while a background goroutine logs each
// SSE frame as it arrives.
func newSSELoggingReader(rc io.ReadCloser, logger *zap.Logger) io.ReadCloser {
	pr, pw := io.Pipe()
	tee := io.TeeReader(rc, pw)

	go func() {
		defer pw.Close()
		logSSEFrames(pr, logger)
	}()

	return &sseLoggingReader{ReadCloser: io.NopCloser(tee)}
}

func logSSEFrames(r io.Reader, logger *zap.Logger) {
	scanner := bufio.NewScanner(r)
	var frame strings.Builder
	var event string
	frameID := 0

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if frame.Len() > 0 {
				frameID++
				logger.Debug("sse frame", zap.Int("id", frameID), zap.String("event", event), zap.String("content", frame.String()))
				frame.Reset()
				event = ""
			}
			continue
		}
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
		frame.WriteString(line + "\n")
	}

	if err := scanner.Err(); err != nil {
		logger.Debug("sse stream error", zap.Error(err))
	}
	logger.Debug("sse stream closed", zap.Int("total_frames", frameID))
}
