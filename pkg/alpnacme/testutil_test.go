package alpnacme

import (
	"encoding/json"
	"net/http"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// fakeResponse is an in-memory Response used by every test in this
// package to stand in for the abstract Transport's wire replies,
// following the teacher's own preference for small hand-built fakes
// over a mocking framework (cert_test.go/config_test.go use none).
type fakeResponse struct {
	status int
	header http.Header
	body   []byte
}

func jsonResponse(status int, header http.Header, v any) *fakeResponse {
	b, _ := json.Marshal(v)
	if header == nil {
		header = http.Header{}
	}
	return &fakeResponse{status: status, header: header, body: b}
}

func (r *fakeResponse) StatusCode() int      { return r.status }
func (r *fakeResponse) IsSuccess() bool      { return r.status >= 200 && r.status < 300 }
func (r *fakeResponse) HeaderValue(name string) string { return r.header.Get(name) }
func (r *fakeResponse) BodyAsJSON(v any) error { return json.Unmarshal(r.body, v) }
func (r *fakeResponse) BodyAsText() (string, error) { return string(r.body), nil }
func (r *fakeResponse) BodyAsBytes() ([]byte, error) { return r.body, nil }

// fakeTransport is a scripted Transport: a URL with a registered handler
// is served by that handler on every call; any other URL gets a 404,
// except a HEAD, which gets a 200 carrying a Replay-Nonce.
type fakeTransport struct {
	handlers map[string]func(method string) (Response, error)
	nonce    string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func(method string) (Response, error)), nonce: "nonce-0"}
}

func (t *fakeTransport) on(url string, handler func(method string) (Response, error)) {
	t.handlers[url] = handler
}

func (t *fakeTransport) Get(url string) (Response, error) {
	if h, ok := t.handlers[url]; ok {
		return h("GET")
	}
	return &fakeResponse{status: http.StatusNotFound}, nil
}

func (t *fakeTransport) Head(url string) (Response, error) {
	if h, ok := t.handlers[url]; ok {
		return h("HEAD")
	}
	header := http.Header{}
	header.Set("Replay-Nonce", t.nonce)
	return &fakeResponse{status: http.StatusOK, header: header}, nil
}

func (t *fakeTransport) PostJOSE(url string, body []byte) (Response, error) {
	if h, ok := t.handlers[url]; ok {
		return h("POST")
	}
	return &fakeResponse{status: http.StatusNotFound}, nil
}

// newTestAcme builds an *Acme directly (bypassing New/Open, which would
// require a fake directory response) over the given transport and fake
// clock, for tests exercising the order driver and authorization phase
// in isolation.
func newTestAcme(tr Transport, fc *clock.Fake, domains []string) *Acme {
	if fc == nil {
		fc = clock.NewFake()
	}
	return &Acme{
		transport: tr,
		directory: testDirectory(),
		resolver:  NewCertResolver(nil),
		domains:   domains,
		log:       zap.NewNop(),
		clk:       fc,
		metrics:   newMetrics(prometheus.NewRegistry()),
	}
}
