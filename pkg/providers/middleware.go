package providers

import (
	"bytes"
	"io"
	"net/http"
	"strings"
)

// roundTripFunc adapts the per-SDK middleware "next" callbacks to one
// shape so the interception flow is shared across backends.
type roundTripFunc func(*http.Request) (*http.Response, error)

// readRequestBody drains a request body so it can be inspected and
// rewritten. The caller must restore a body before forwarding.
func readRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	return body, nil
}

// replaceRequestBody installs body as the request payload, fixing
// ContentLength and GetBody so transports can replay it on retry.
func replaceRequestBody(req *http.Request, body []byte) {
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}

// readResponseBody drains a response body and hands the bytes back on
// the response so the caller downstream still sees the full payload.
func readResponseBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return body, nil
}

// isEventStream reports whether a response is server-sent events.
// Streaming completions are forwarded untouched: there is no single
// JSON document to record from.
func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}
