package alpnacme

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jmhodges/clock"
)

// Response is the transport contract's reply type: a thin accessor layer
// over an HTTP response the ACME core never needs to see net/http
// directly for.
type Response interface {
	StatusCode() int
	IsSuccess() bool
	HeaderValue(name string) string
	BodyAsJSON(v any) error
	BodyAsText() (string, error)
	BodyAsBytes() ([]byte, error)
}

// Transport is the abstract HTTP collaborator the core is built against.
// Its default implementation (below) wraps net/http with the bounded
// retry policy of spec §4.6; a caller embedding this core in another
// server may substitute their own (e.g. one reusing an existing
// connection pool).
type Transport interface {
	Get(url string) (Response, error)
	Head(url string) (Response, error)
	PostJOSE(url string, body []byte) (Response, error)
}

type httpResponse struct {
	status int
	header http.Header
	body   []byte
}

func (r *httpResponse) StatusCode() int    { return r.status }
func (r *httpResponse) IsSuccess() bool    { return r.status >= 200 && r.status < 300 }
func (r *httpResponse) HeaderValue(name string) string {
	return r.header.Get(name)
}
func (r *httpResponse) BodyAsJSON(v any) error { return json.Unmarshal(r.body, v) }
func (r *httpResponse) BodyAsText() (string, error) { return string(r.body), nil }
func (r *httpResponse) BodyAsBytes() ([]byte, error) { return r.body, nil }

// connectionRetrySchedule and unavailableRetrySchedule are the delays
// before each retry of a failed connection and of a 503/504 response.
var (
	connectionRetrySchedule = []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second, 120 * time.Second}
	unavailableRetrySchedule = []time.Duration{5 * time.Second, 30 * time.Second, 120 * time.Second, 600 * time.Second}
)

// defaultTransport is the bundled Transport implementation, built on
// net/http with the bounded retry policy of spec §4.6. The HTTP client
// is deliberately plain net/http: the ACME core's wire volume is a
// handful of small JSON requests per certificate, not a concern any
// high-throughput client in the examples pack (fasthttp et al.) exists
// to solve, and those belong to the TLS-serving engine this core is
// explicitly decoupled from.
type defaultTransport struct {
	client *http.Client
	clk    clock.Clock
}

// NewTransport builds the default Transport. clk may be nil to use the
// real wall clock; tests inject clock.NewFake() to make the retry
// schedule instantaneous.
func NewTransport(clk clock.Clock) Transport {
	if clk == nil {
		clk = clock.New()
	}
	return &defaultTransport{
		client: &http.Client{Timeout: 30 * time.Second},
		clk:    clk,
	}
}

func (t *defaultTransport) Get(url string) (Response, error) {
	return t.doWithRetry(func() (*http.Response, error) {
		return t.client.Get(url)
	})
}

func (t *defaultTransport) Head(url string) (Response, error) {
	return t.doWithRetry(func() (*http.Response, error) {
		return t.client.Head(url)
	})
}

func (t *defaultTransport) PostJOSE(url string, body []byte) (Response, error) {
	return t.doWithRetry(func() (*http.Response, error) {
		return t.client.Post(url, "application/jose+json", bytes.NewReader(body))
	})
}

// doWithRetry absorbs transport-level failures and 503/504 per the
// bounded schedule; 429 surfaces immediately as TooManyRequests.
func (t *defaultTransport) doWithRetry(do func() (*http.Response, error)) (Response, error) {
	resp, err := do()
	for _, wait := range connectionRetrySchedule {
		if err == nil {
			break
		}
		t.clk.Sleep(wait)
		resp, err = do()
	}
	if err != nil {
		return nil, newErr(KindConnection, "connection failed after retries", err)
	}
	return t.handleStatus(resp, do)
}

func (t *defaultTransport) handleStatus(resp *http.Response, do func() (*http.Response, error)) (Response, error) {
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, newErr(KindTooManyRequests, "rate limited", nil)
	}
	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout {
		resp.Body.Close()
		for _, wait := range unavailableRetrySchedule {
			t.clk.Sleep(wait)
			retried, err := do()
			if err != nil {
				continue
			}
			if retried.StatusCode != http.StatusServiceUnavailable && retried.StatusCode != http.StatusGatewayTimeout {
				return readResponse(retried)
			}
			retried.Body.Close()
		}
		return nil, newErr(KindServiceUnavailable, "service unavailable after retries", nil)
	}
	return readResponse(resp)
}

func readResponse(resp *http.Response) (Response, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &httpResponse{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// locationHeader is a small readability helper used throughout the
// order/account flow to pull the Location header used as a canonical
// resource URL.
func locationHeader(r Response) string {
	return strings.TrimSpace(r.HeaderValue("Location"))
}
