package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
)

// EncodeRequest renders req in origin form ("GET /path HTTP/1.1" plus Host
// header) with a fully buffered body. The body of req is replaced by an
// in-memory copy so the request can still be sent unchanged afterwards.
func EncodeRequest(req *http.Request) ([]byte, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}
	setBody(req, body)

	clone := req.Clone(req.Context())
	clone.RequestURI = req.URL.RequestURI()
	clone.TransferEncoding = nil
	setBody(clone, body)

	raw, err := httputil.DumpRequest(clone, true)
	if err != nil {
		return nil, fmt.Errorf("dump request: %w", err)
	}
	return raw, nil
}

// DecodeRequest parses a rewritten request buffer and addresses it to the same
// target as orig. Content-Length always reflects the rewritten body.
func DecodeRequest(raw []byte, orig *http.Request) (*http.Request, error) {
	head, body := splitMessage(raw)

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return nil, fmt.Errorf("parse rewritten request: %w", err)
	}

	req = req.WithContext(orig.Context())
	req.RequestURI = ""
	req.URL.Scheme = orig.URL.Scheme
	req.URL.Host = orig.URL.Host
	req.RemoteAddr = orig.RemoteAddr
	req.TransferEncoding = nil
	req.Header.Del("Transfer-Encoding")
	setBody(req, body)
	return req, nil
}

// EncodeResponseHead renders the status line and headers of resp.
func EncodeResponseHead(resp *http.Response) ([]byte, error) {
	raw, err := httputil.DumpResponse(resp, false)
	if err != nil {
		return nil, fmt.Errorf("dump response: %w", err)
	}
	return raw, nil
}

func setBody(req *http.Request, body []byte) {
	req.ContentLength = int64(len(body))
	if len(body) == 0 {
		req.Body = http.NoBody
		req.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		if req.Method != http.MethodPost && req.Method != http.MethodPut && req.Method != http.MethodPatch {
			req.Header.Del("Content-Length")
		} else {
			req.Header.Set("Content-Length", "0")
		}
		return
	}

	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
}

// splitMessage separates the header block (including the blank line) from the
// body. A buffer without a blank line is all head.
func splitMessage(raw []byte) (head, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2], raw[i+2:]
	}
	return append(bytes.Clone(raw), "\r\n\r\n"...), nil
}
