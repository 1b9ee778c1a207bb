package serializer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/rs/zerolog/log"
)

// RequestSnapshot is everything needed to send a request again later.
type RequestSnapshot struct {
	Method string
	// Absolute URL of the request.
	URL    string
	Header http.Header
	Body   []byte
}

// NewRequest creates an outgoing client request from the snapshot.
func (s RequestSnapshot) NewRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if len(s.Body) > 0 {
		body = bytes.NewReader(s.Body)
	}
	req, err := http.NewRequestWithContext(ctx, s.Method, s.URL, body)
	if err != nil {
		return nil, err
	}
	for name, values := range s.Header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	return req, nil
}

// SnapshotToBytes returns the HTTP/1.1 proxy-form representation of the snapshot.
// The request line carries the absolute URL so that scheme and host survive a round trip.
func SnapshotToBytes(s RequestSnapshot) ([]byte, error) {
	req, err := s.NewRequest(context.Background())
	if err != nil {
		return nil, err
	}
	// keep the snapshot header set intact
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "")
	}
	buf := &bytes.Buffer{}
	if err := req.WriteProxy(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToSnapshot parses bytes written by SnapshotToBytes.
func BytesToSnapshot(b []byte) (RequestSnapshot, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(b)))
	if err != nil {
		return RequestSnapshot{}, err
	}
	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return RequestSnapshot{}, err
	}
	if !req.URL.IsAbs() {
		return RequestSnapshot{}, fmt.Errorf("request snapshot has no absolute url: %s", req.URL)
	}
	header := req.Header.Clone()
	if header.Get("User-Agent") == "" {
		header.Del("User-Agent")
	}
	// framing is recomputed when the request is sent again
	header.Del("Content-Length")
	return RequestSnapshot{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: header,
		Body:   body,
	}, nil
}

// HeaderToBytes returns the wire representation of the header fields.
func HeaderToBytes(h http.Header) []byte {
	buf := &bytes.Buffer{}
	if err := h.Write(buf); err != nil {
		log.Warn().Err(err).Msg("Could not write header to bytes")
	}
	return buf.Bytes()
}

// BytesToHeader parses bytes written by HeaderToBytes.
func BytesToHeader(b []byte) (http.Header, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return http.Header{}, nil
	}
	r := textproto.NewReader(bufio.NewReader(io.MultiReader(bytes.NewReader(b), strings.NewReader("\r\n"))))
	mime, err := r.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, err
	}
	return http.Header(mime), nil
}

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// WithoutHopByHop returns a copy of h without connection-specific fields,
// including those named in the Connection field.
func WithoutHopByHop(h http.Header) http.Header {
	c := h.Clone()
	if c == nil {
		return http.Header{}
	}
	for _, v := range c.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		c.Del(name)
	}
	return c
}
