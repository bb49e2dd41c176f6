package httpmonitor

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/duty-duck/duty-duck-sub000/internal/domain"
)

// maxBodyCapture bounds how much of a response body is read into memory
// before it is handed to the blob store, mirroring the collaborator
// contract in spec.md §6 ("ping(...) -> {..., body?}").
const maxBodyCapture = 1 << 20 // 1 MiB

// ProbeObservation is the raw result of one HTTP probe, before it has been
// run through the monitor status machine or had its body/screenshot
// persisted to the blob store.
type ProbeObservation struct {
	OK           bool
	ErrorKind    domain.ErrorKind
	HTTPCode     *int
	Headers      map[string]string
	ResponseTime time.Duration
	IPAddresses  []string
	Body         []byte
	ContentType  string
}

// Prober is the collaborator contract from spec.md §6: "HTTP probe client:
// ping(url, timeout, headers) -> {...}". It is implemented here with
// net/http, in the style of the teacher's webhook client
// (plugin/webhook/webhook.go): pkg/errors wrapping, an explicit timeout, no
// retries — retrying is the caller's (the next tick's) responsibility.
type Prober interface {
	Ping(ctx context.Context, url string, timeout time.Duration, headers map[string]string) (ProbeObservation, error)
}

// HTTPProber is the production Prober.
type HTTPProber struct {
	// CaptureBody controls whether response bodies are read and returned for
	// upload to the blob store. Screenshot capture is delegated to the
	// out-of-scope browser service collaborator and is never performed here.
	CaptureBody bool
}

func NewHTTPProber(captureBody bool) *HTTPProber {
	return &HTTPProber{CaptureBody: captureBody}
}

func (p *HTTPProber) Ping(ctx context.Context, url string, timeout time.Duration, headers map[string]string) (ProbeObservation, error) {
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("too many redirects")
			}
			return nil
		},
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeObservation{OK: false, ErrorKind: domain.ErrorKindBuilder}, nil
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	ips := resolveIPs(url)

	start := time.Now()
	resp, err := client.Do(req)
	responseTime := time.Since(start)
	if err != nil {
		return ProbeObservation{
			OK:           false,
			ErrorKind:    classifyTransportError(err),
			ResponseTime: responseTime,
			IPAddresses:  ips,
		}, nil
	}
	defer resp.Body.Close()

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	var body []byte
	if p.CaptureBody {
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyCapture))
		if err != nil {
			return ProbeObservation{
				OK:           false,
				ErrorKind:    domain.ErrorKindBody,
				HTTPCode:     &resp.StatusCode,
				Headers:      respHeaders,
				ResponseTime: responseTime,
				IPAddresses:  ips,
			}, nil
		}
	}

	code := resp.StatusCode
	if code < 200 || code >= 400 {
		return ProbeObservation{
			OK:           false,
			ErrorKind:    domain.ErrorKindHTTPCode,
			HTTPCode:     &code,
			Headers:      respHeaders,
			ResponseTime: responseTime,
			IPAddresses:  ips,
			Body:         body,
			ContentType:  resp.Header.Get("Content-Type"),
		}, nil
	}

	return ProbeObservation{
		OK:           true,
		HTTPCode:     &code,
		Headers:      respHeaders,
		ResponseTime: responseTime,
		IPAddresses:  ips,
		Body:         body,
		ContentType:  resp.Header.Get("Content-Type"),
	}, nil
}

func resolveIPs(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	addrs, err := net.DefaultResolver.LookupHost(context.Background(), u.Hostname())
	if err != nil {
		return nil
	}
	return addrs
}

func classifyTransportError(err error) domain.ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrorKindTimeout
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return domain.ErrorKindConnect
	}
	if strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "no such host") {
		return domain.ErrorKindConnect
	}
	return domain.ErrorKindRequest
}
