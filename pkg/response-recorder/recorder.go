// Package recorder captures the response of an in-process http.Handler
// so it can be treated like a network response.
package recorder

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Recorder is an http.ResponseWriter that keeps the response in memory.
type Recorder struct {
	header      http.Header
	status      int
	wroteHeader bool
	b           bytes.Buffer
}

func New() *Recorder {
	return &Recorder{header: http.Header{}}
}

// Implementation of http.ResponseWriter
func (r *Recorder) Header() http.Header {
	return r.header
}

// Implementation of http.ResponseWriter.
// Only the first final status is kept; informational statuses are ignored.
func (r *Recorder) WriteHeader(statusCode int) {
	if r.wroteHeader || (statusCode >= 100 && statusCode < 200) {
		return
	}
	r.wroteHeader = true
	r.status = statusCode
	// later header changes must not leak into the recorded response
	r.header = r.header.Clone()
}

// Implementation of http.ResponseWriter
func (r *Recorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.b.Write(b)
}

// Flush implements http.Flusher; the response is only available once the handler returns.
func (r *Recorder) Flush() {}

// StatusCode returns the recorded status, 200 if the handler wrote nothing.
func (r *Recorder) StatusCode() int {
	if !r.wroteHeader {
		return http.StatusOK
	}
	return r.status
}

// Response returns the recorded response for the request.
func (r *Recorder) Response(req *http.Request) *http.Response {
	status := r.StatusCode()
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(r.b.Bytes())),
		ContentLength: int64(r.b.Len()),
		Request:       req,
	}
}
