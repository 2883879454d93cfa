package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

const acceptEncoding = "gzip, deflate, br"

// decodingTransport advertises gzip, deflate and br and hands colly a decoded
// body. Content-Encoding is removed so colly does not decode a second time.
type decodingTransport struct {
	base http.RoundTripper
}

func (t *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err //nolint:wrapcheck // surfaced by colly as-is
	}
	if req.Method == http.MethodHead {
		return resp, nil
	}
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if encoding != "" && encoding != "identity" {
		body, err := decodeBody(encoding, resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, err
		}
		resp.Body = body
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
		resp.Uncompressed = true
	}
	if capture := rawCaptureFrom(req.Context()); capture != nil {
		resp.Body = capture.wrap(resp.Body)
	}
	return resp, nil
}

type rawCaptureKey struct{}

// rawCapture keeps a copy of the decompressed body colly reads, before any
// charset conversion. Each round trip replaces the buffer, so after redirects
// it holds the final response.
type rawCapture struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func withRawCapture(ctx context.Context) (context.Context, *rawCapture) {
	capture := &rawCapture{}
	return context.WithValue(ctx, rawCaptureKey{}, capture), capture
}

func rawCaptureFrom(ctx context.Context) *rawCapture {
	capture, _ := ctx.Value(rawCaptureKey{}).(*rawCapture)
	return capture
}

func (c *rawCapture) wrap(body io.ReadCloser) io.ReadCloser {
	buf := &bytes.Buffer{}
	c.mu.Lock()
	c.buf = buf
	c.mu.Unlock()
	return &decodedBody{Reader: io.TeeReader(body, buf), closers: []io.Closer{body}}
}

// Bytes returns the captured body, or nil when nothing was read.
func (c *rawCapture) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf == nil {
		return nil
	}
	return bytes.Clone(c.buf.Bytes())
}

func decodeBody(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	switch encoding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return &decodedBody{Reader: zr, closers: []io.Closer{zr, body}}, nil
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		peek := &peekReader{src: body}
		if peek.looksZlib() {
			zr, err := zlib.NewReader(peek)
			if err != nil {
				return nil, fmt.Errorf("zlib reader: %w", err)
			}
			return &decodedBody{Reader: zr, closers: []io.Closer{zr, body}}, nil
		}
		fr := flate.NewReader(peek)
		return &decodedBody{Reader: fr, closers: []io.Closer{fr, body}}, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(body), closers: []io.Closer{body}}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// peekReader lets the deflate branch sniff the first two bytes.
type peekReader struct {
	src  io.Reader
	head []byte
}

func (p *peekReader) looksZlib() bool {
	buf := make([]byte, 2)
	n, _ := io.ReadFull(p.src, buf)
	p.head = buf[:n]
	if n < 2 {
		return false
	}
	cmf, flg := buf[0], buf[1]
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

func (p *peekReader) Read(b []byte) (int, error) {
	if len(p.head) > 0 {
		n := copy(b, p.head)
		p.head = p.head[n:]
		return n, nil
	}
	return p.src.Read(b) //nolint:wrapcheck // passthrough
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		// Decoding happens in decodingTransport.
		DisableCompression: true,
	}
}
