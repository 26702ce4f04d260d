package upstream

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pysugar/antigravity-relay/internal/config"
	"github.com/tidwall/gjson"
	"golang.org/x/net/proxy"
)

// FetchOptions describes one outbound HTTPS call. Headers are an ordered
// slice: the helper writes them bit-for-bit in this order, which is part of
// the fingerprint.
type FetchOptions struct {
	Method         string
	URL            string
	Headers        [][2]string
	Body           []byte
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Proxy          string
	Stream         bool
}

// Response is the transport-level result. Body is always non-nil on success
// and must be closed by the caller; for streaming calls it delivers bytes as
// the helper forwards them.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ReadAll drains and closes the body.
func (r *Response) ReadAll() ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// Transport executes outbound HTTPS through the fingerprint helper binary,
// falling back to net/http when the helper is missing or disabled.
type Transport struct {
	cfg        *config.Config
	helperPath string
	helperOK   bool
	fallback   *http.Client
}

// NewTransport probes for the helper binary once at startup.
func NewTransport(cfg *config.Config) *Transport {
	t := &Transport{cfg: cfg, helperPath: cfg.FingerprintHelperPath}
	if cfg.UseTLSFingerprint {
		if _, err := os.Stat(cfg.FingerprintHelperPath); err == nil {
			t.helperOK = true
		} else {
			log.Printf("⚠️ Fingerprint helper not found at %s, using default HTTPS client", cfg.FingerprintHelperPath)
		}
	}
	t.fallback = &http.Client{Transport: fallbackRoundTripper(cfg.OutboundProxy)}
	return t
}

// UsingFingerprint reports whether calls go through the helper.
func (t *Transport) UsingFingerprint() bool { return t.helperOK }

// Fetch performs a buffered request.
func (t *Transport) Fetch(ctx context.Context, opts FetchOptions) (*Response, error) {
	opts.Stream = false
	return t.do(ctx, opts)
}

// StreamFetch resolves once response headers are received; the body is a
// cancellable byte stream.
func (t *Transport) StreamFetch(ctx context.Context, opts FetchOptions) (*Response, error) {
	opts.Stream = true
	return t.do(ctx, opts)
}

func (t *Transport) do(ctx context.Context, opts FetchOptions) (*Response, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = t.cfg.ConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		if opts.Stream {
			opts.ReadTimeout = t.cfg.StreamReadTimeout
		} else {
			opts.ReadTimeout = t.cfg.ReadTimeout
		}
	}
	if opts.Proxy == "" {
		opts.Proxy = t.cfg.OutboundProxy
	}
	if t.helperOK {
		return t.helperFetch(ctx, opts)
	}
	return t.stdFetch(ctx, opts)
}

// helperJob is the JSON frame written to the helper's stdin. Headers are
// emitted by hand so the declared order survives encoding.
func encodeHelperJob(opts FetchOptions) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"method":`)
	writeJSONString(&buf, strings.ToUpper(opts.Method))
	buf.WriteString(`,"url":`)
	writeJSONString(&buf, opts.URL)
	buf.WriteString(`,"headers":{`)
	for i, kv := range opts.Headers {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(&buf, kv[0])
		buf.WriteByte(':')
		writeJSONString(&buf, kv[1])
	}
	buf.WriteString(`},"body":`)
	writeJSONString(&buf, string(opts.Body))
	fmt.Fprintf(&buf, `,"timeout":{"connect":%d,"read":%d}`,
		int(opts.ConnectTimeout.Seconds()), int(opts.ReadTimeout.Seconds()))
	if opts.Proxy != "" {
		kind := "http"
		if strings.HasPrefix(opts.Proxy, "socks") {
			kind = "socks5"
		}
		fmt.Fprintf(&buf, `,"proxy":{"enabled":true,"type":%q,"url":%q}`, kind, opts.Proxy)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

func (t *Transport) helperFetch(ctx context.Context, opts FetchOptions) (*Response, error) {
	cmd := exec.CommandContext(ctx, t.helperPath)
	cmd.Stdin = bytes.NewReader(encodeHelperJob(opts))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &Error{Code: CodeSpawn, Message: err.Error()}
	}
	if err := cmd.Start(); err != nil {
		return nil, &Error{Code: CodeSpawn, Message: err.Error()}
	}

	br := bufio.NewReaderSize(stdout, 64*1024)
	httpResp, err := http.ReadResponse(br, nil)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, helperFailure(ctx, &stderr, err)
	}

	body := io.ReadCloser(&helperBody{rc: httpResp.Body, cmd: cmd})
	if isGzip(httpResp.Header) {
		body, err = gzipReader(body)
		if err != nil {
			body.Close()
			return nil, &Error{Code: CodeNetwork, Message: "gzip decode: " + err.Error()}
		}
		httpResp.Header.Del("Content-Encoding")
		httpResp.Header.Del("Content-Length")
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}
	if opts.Stream {
		return resp, nil
	}

	// Unary: buffer the body so the helper can be reaped before returning.
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, helperFailure(ctx, &stderr, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

// helperFailure maps a helper breakdown onto the transport error taxonomy,
// surfacing only the stderr JSON "error" field when present.
func helperFailure(ctx context.Context, stderr *bytes.Buffer, cause error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return &Error{Code: CodeCanceled, Message: "request canceled"}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: "request timed out"}
	}
	msg := cause.Error()
	if emsg := gjson.GetBytes(stderr.Bytes(), "error").String(); emsg != "" {
		msg = emsg
	}
	return &Error{Code: CodeNetwork, Message: msg}
}

// helperBody closes the helper process along with the response body.
type helperBody struct {
	rc  io.ReadCloser
	cmd *exec.Cmd
}

func (h *helperBody) Read(p []byte) (int, error) { return h.rc.Read(p) }

func (h *helperBody) Close() error {
	h.rc.Close()
	if h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
	h.cmd.Wait()
	return nil
}

func (t *Transport) stdFetch(ctx context.Context, opts FetchOptions) (*Response, error) {
	var cancel context.CancelFunc
	if !opts.Stream {
		ctx, cancel = context.WithTimeout(ctx, opts.ReadTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(opts.Method), opts.URL, bytes.NewReader(opts.Body))
	if err != nil {
		return nil, &Error{Code: CodeNetwork, Message: err.Error()}
	}
	for _, kv := range opts.Headers {
		if strings.EqualFold(kv[0], "host") || strings.EqualFold(kv[0], "content-length") {
			continue
		}
		req.Header.Set(kv[0], kv[1])
	}
	httpResp, err := t.fallback.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, &Error{Code: CodeCanceled, Message: "request canceled"}
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Code: CodeTimeout, Message: "request timed out"}
		}
		return nil, &Error{Code: CodeNetwork, Message: err.Error()}
	}
	body := httpResp.Body
	if isGzip(httpResp.Header) {
		gz, err := gzipReader(body)
		if err != nil {
			body.Close()
			return nil, &Error{Code: CodeNetwork, Message: "gzip decode: " + err.Error()}
		}
		body = gz
	}
	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}
	if opts.Stream {
		return resp, nil
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, &Error{Code: CodeNetwork, Message: err.Error()}
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

func isGzip(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Encoding")), "gzip")
}

// gzipReader wraps rc in a gzip decoder only when the magic bytes match;
// some upstreams declare gzip on identity bodies.
func gzipReader(rc io.ReadCloser) (io.ReadCloser, error) {
	br := bufio.NewReader(rc)
	magic, err := br.Peek(2)
	if err != nil || len(magic) < 2 || magic[0] != 0x1f || magic[1] != 0x8b {
		return &wrappedBody{Reader: br, closer: rc}, nil
	}
	gz, err := gzip.NewReader(br)
	if err != nil {
		return nil, err
	}
	return &wrappedBody{Reader: gz, closer: rc}, nil
}

type wrappedBody struct {
	io.Reader
	closer io.Closer
}

func (w *wrappedBody) Close() error { return w.closer.Close() }

// fallbackRoundTripper honors HTTP CONNECT and SOCKS5 proxies for the
// plain-client fallback path.
func fallbackRoundTripper(proxyURL string) http.RoundTripper {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if proxyURL == "" {
		return tr
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		log.Printf("⚠️ Invalid outbound proxy %q: %v", proxyURL, err)
		return tr
	}
	if strings.HasPrefix(u.Scheme, "socks") {
		var auth *proxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pass}
		}
		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: 30 * time.Second})
		if err != nil {
			log.Printf("⚠️ SOCKS5 proxy setup failed: %v", err)
			return tr
		}
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
		tr.Proxy = nil
		return tr
	}
	tr.Proxy = http.ProxyURL(u)
	return tr
}
