/*
Copyright 2025 Keymint

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package srvtool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

type EndpointFn func(*http.Request) Response

type Response interface {
	HTTPCode() int
	Body() any
}

type jsonResponse struct {
	code int
	body any
}

func (r *jsonResponse) HTTPCode() int {
	return r.code
}

func (r *jsonResponse) Body() any {
	return r.body
}

func Ok(body any) Response {
	return NewResponse(http.StatusOK, body)
}

func NewResponse(code int, body any) Response {
	return &jsonResponse{
		code: code,
		body: body,
	}
}

type errMsg struct {
	Error string `json:"error"`
}

func Error(code int, message string) Response {
	return NewResponse(code, errMsg{Error: message})
}

func Errorf(code int, fmtStr string, args ...any) Response {
	return Error(code, fmt.Sprintf(fmtStr, args...))
}

func JSONHandler(fn EndpointFn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := fn(r)

		if response == nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeBody(r.Context(), w, response.HTTPCode(), response.Body())
	}
}

func writeBody(ctx context.Context, w http.ResponseWriter, statusCode int, body any) {
	out, err := json.Marshal(body)
	if err != nil {
		logr.
			FromContextAsSlogLogger(ctx).
			Error("failed to marshal response as JSON", "err", err)

		statusCode = 500
		out = []byte(`{"error":"internal server error"}`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if _, err := w.Write(out); err != nil {
		logr.
			FromContextAsSlogLogger(ctx).
			Error("failed to write response body", "err", err)
	}
}

// ServeHTTPWithLogs tags the request context with a request ID and logs a
// completion line for every request.
func ServeHTTPWithLogs(underlying http.Handler, w http.ResponseWriter, r *http.Request) {
	uuid, err := uuid.NewRandom()
	if err != nil {
		http.Error(w, "couldn't generate UUID", http.StatusInternalServerError)
		return
	}

	logger := logr.FromContextAsSlogLogger(r.Context()).With("request_id", uuid.String())

	r = r.WithContext(logr.NewContextWithSlogLogger(r.Context(), logger))

	sniffer := NewResponseSniffer(w)

	underlying.ServeHTTP(sniffer, r)

	logger.Info("completed request", "user_agent", r.UserAgent(), "status", sniffer.StatusCode, "total_bytes", sniffer.TotalBytes, "path", r.URL.String())
}

type ResponseSniffer struct {
	StatusCode int

	TotalBytes int

	underlying http.ResponseWriter
}

var _ http.ResponseWriter = &ResponseSniffer{}

func NewResponseSniffer(underlying http.ResponseWriter) *ResponseSniffer {
	return &ResponseSniffer{
		StatusCode: http.StatusTeapot,

		TotalBytes: 0,

		underlying: underlying,
	}
}

func (rs *ResponseSniffer) Header() http.Header {
	return rs.underlying.Header()
}

func (rs *ResponseSniffer) Write(b []byte) (int, error) {
	written, err := rs.underlying.Write(b)
	if err == nil {
		rs.TotalBytes += written
	}

	return written, err
}

func (rs *ResponseSniffer) WriteHeader(statusCode int) {
	rs.StatusCode = statusCode

	rs.underlying.WriteHeader(statusCode)
}
