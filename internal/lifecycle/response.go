package lifecycle

import (
	"bytes"
	"net/http"
)

// Response is a buffered HTTP response that can still be rewritten.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse returns an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: http.Header{}}
}

// WriteTo flushes the response to w.
func (r *Response) WriteTo(w http.ResponseWriter) error {
	dst := w.Header()
	for k, v := range r.Header {
		dst[k] = append([]string(nil), v...)
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}

// ResponseRecorder is an http.ResponseWriter that buffers what the
// downstream handler writes.
type ResponseRecorder struct {
	header      http.Header
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

// NewResponseRecorder creates an empty recorder.
func NewResponseRecorder() *ResponseRecorder {
	return &ResponseRecorder{header: http.Header{}}
}

// Header implements http.ResponseWriter.
func (rec *ResponseRecorder) Header() http.Header { return rec.header }

// WriteHeader implements http.ResponseWriter. Only the first call counts.
func (rec *ResponseRecorder) WriteHeader(status int) {
	if rec.wroteHeader {
		return
	}
	rec.wroteHeader = true
	rec.status = status
}

// Write implements http.ResponseWriter.
func (rec *ResponseRecorder) Write(b []byte) (int, error) {
	if !rec.wroteHeader {
		rec.WriteHeader(http.StatusOK)
	}
	return rec.body.Write(b)
}

// Response returns the buffered response.
func (rec *ResponseRecorder) Response() *Response {
	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{Status: status, Header: rec.header, Body: rec.body.Bytes()}
}
