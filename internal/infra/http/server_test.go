package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"witness/internal/config"
	"witness/internal/domain"
	"witness/internal/infra/cesr"
	"witness/internal/infra/kel"
	"witness/internal/infra/kelmem"
	"witness/internal/infra/keys/soft"
	"witness/internal/infra/ratelimit"
	"witness/internal/testutil"
	"witness/internal/usecase"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	server  *Server
	witness *usecase.Witness
}

func newTestServer(t *testing.T, cfg config.Config, limiter domain.RateLimiter) *testServer {
	t.Helper()
	return newTestServerWithBackend(t, cfg, limiter, kelmem.New(), false)
}

func newTestServerWithBackend(t *testing.T, cfg config.Config, limiter domain.RateLimiter, backend kel.Backend, dbMode bool) *testServer {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	signer, err := soft.NewManager(testutil.Key(250))
	require.NoError(t, err)
	witness, err := usecase.NewWitness(signer)
	require.NoError(t, err)

	store := kel.NewProcessor(backend)
	codec := cesr.Codec{}
	engine, err := usecase.NewReceiptEngine(usecase.ReceiptEngineDeps{Store: store, Codec: codec, Witness: witness, Log: log})
	require.NoError(t, err)
	processor, err := usecase.NewStreamProcessor(usecase.StreamProcessorDeps{Codec: codec, Engine: engine, Log: log})
	require.NoError(t, err)
	query, err := usecase.NewQueryService(store, codec, witness)
	require.NoError(t, err)
	discovery, err := usecase.NewDiscoveryService(codec, witness, nil)
	require.NoError(t, err)

	return &testServer{
		server: NewServer(cfg, ServerDeps{
			Processor:   processor,
			Query:       query,
			Discovery:   discovery,
			Witness:     witness,
			RateLimiter: limiter,
			Log:         log,
			DBMode:      dbMode,
		}),
		witness: witness,
	}
}

func (ts *testServer) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) publish(t *testing.T, stream []byte) publishResponse {
	t.Helper()
	rec := ts.do(http.MethodPost, "/publish", stream)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp publishResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func assertCounts(t *testing.T, resp publishResponse, parsed int, notParsed string, receipts, errs int) {
	t.Helper()
	assert.Equal(t, parsed, resp.Parsed)
	assert.Equal(t, notParsed, resp.NotParsed)
	assert.Len(t, resp.Receipts, receipts)
	assert.Len(t, resp.Errors, errs)
}

func TestPublishAndQuery(t *testing.T) {
	ts := newTestServer(t, config.Defaults(), nil)
	c := testutil.NewController(t, 1, 3, 2)
	sent := testutil.Concat(c.Incept().Raw, c.Rotate().Raw, c.Rotate().Raw, c.Rotate().Raw)

	resp := ts.publish(t, sent)
	assertCounts(t, resp, 4, "", 4, 0)

	rec := ts.do(http.MethodGet, "/identifier/"+string(c.Prefix)+"/kel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(sent), rec.Body.String())

	rec = ts.do(http.MethodGet, "/identifier/"+string(c.Prefix)+"/receipts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, strings.Join(resp.Receipts, ""), rec.Body.String())
}

func TestPublishPartialFailures(t *testing.T) {
	ts := newTestServer(t, config.Defaults(), nil)

	bad := testutil.NewController(t, 1, 1, 1)
	resp := ts.publish(t, testutil.Concat(bad.Incept().Raw, bad.Rotate().Raw, bad.BadInteraction().Raw))
	assertCounts(t, resp, 3, "", 2, 1)

	dup := testutil.NewController(t, 10, 1, 1)
	icp, rot, ixn := dup.Incept(), dup.Rotate(), dup.Interact()
	resp = ts.publish(t, testutil.Concat(icp.Raw, rot.Raw, ixn.Raw, ixn.Raw))
	assertCounts(t, resp, 4, "", 3, 1)

	unsigned := testutil.NewController(t, 20, 1, 1)
	resp = ts.publish(t, unsigned.Incept().Body)
	assertCounts(t, resp, 1, "", 0, 1)
}

func TestPublishReportsUnconsumedTail(t *testing.T) {
	ts := newTestServer(t, config.Defaults(), nil)
	c := testutil.NewController(t, 1, 1, 1)
	icp, ixn := c.Incept(), c.Interact()
	tail := ixn.Raw[:40]

	resp := ts.publish(t, testutil.Concat(icp.Raw, tail))
	assertCounts(t, resp, 1, string(tail), 1, 0)
}

func TestPublishUnparseable(t *testing.T) {
	ts := newTestServer(t, config.Defaults(), nil)
	rec := ts.do(http.MethodPost, "/publish", []byte("no events here"))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "PARSE_ERROR", body.Code)
	assert.Equal(t, "stream can't be parsed", body.Message)
}

func TestPublishTooLarge(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxStreamBytes = 64
	ts := newTestServer(t, cfg, nil)
	rec := ts.do(http.MethodPost, "/publish", bytes.Repeat([]byte("a"), 128))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestQueryUnknownIdentifier(t *testing.T) {
	ts := newTestServer(t, config.Defaults(), nil)
	c := testutil.NewController(t, 1, 1, 1)
	c.Incept()

	for _, path := range []string{
		"/identifier/" + string(c.Prefix) + "/kel",
		"/identifier/" + string(c.Prefix) + "/receipts",
		"/identifier/not-a-prefix/kel",
		"/oobi/" + string(c.Prefix),
	} {
		rec := ts.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestOOBI(t *testing.T) {
	cfg := config.Defaults()
	cfg.PublicURL = "http://witness.example:3030"
	ts := newTestServer(t, cfg, nil)

	rec := ts.do(http.MethodGet, "/oobi", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cesrContentType, rec.Header().Get("Content-Type"))

	msgs, _, err := cesr.Decode(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	reply, ok := msgs[0].(*domain.SignedReply)
	require.True(t, ok)
	assert.Equal(t, ts.witness.Prefix(), reply.Reply.EID)
	assert.Equal(t, "http://witness.example:3030", reply.Reply.URL)

	// A published location reply is served back by identifier.
	other := testutil.Key(200)
	resp := ts.publish(t, testutil.LocationReply(t, other, "http", "http://other.example", time.Now()))
	assertCounts(t, resp, 1, "", 0, 0)
	rec = ts.do(http.MethodGet, "/oobi/"+string(testutil.NonTransferable(t, other)), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http://other.example")
}

func TestOOBIIgnoresRequestHost(t *testing.T) {
	ts := newTestServer(t, config.Defaults(), nil)
	req := httptest.NewRequest(http.MethodGet, "/oobi", nil)
	req.Host = "attacker.example"
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "attacker.example")
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "OOBI_UNAVAILABLE", body.Code)

	cfg := config.Defaults()
	cfg.PublicURL = "https://witness.example"
	ts = newTestServer(t, cfg, nil)
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "attacker.example")
	assert.Contains(t, rec.Body.String(), "https://witness.example")
}

func TestPublishInterruptedReportsPartialResult(t *testing.T) {
	ts := newTestServer(t, config.Defaults(), nil)
	c := testutil.NewController(t, 1, 1, 1)
	stream := testutil.Concat(c.Incept().Raw, c.Interact().Raw)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(stream)).WithContext(ctx)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	var body struct {
		Code    string `json:"code"`
		Details struct {
			Partial publishResponse `json:"partial"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "PROCESSING_INTERRUPTED", body.Code)
	assert.Equal(t, 2, body.Details.Partial.Parsed)
	assert.Empty(t, body.Details.Partial.Receipts)
}

func TestHealthzAndRequestID(t *testing.T) {
	ts := newTestServer(t, config.Defaults(), nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "req-123")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get(headerRequestID))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "no-db", body["mode"])
	assert.Equal(t, string(ts.witness.Prefix()), body["prefix"])

	rec = ts.do(http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))
}

func TestRateLimit(t *testing.T) {
	cfg := config.Defaults()
	cfg.RateLimitRequests = 2
	ts := newTestServer(t, cfg, ratelimit.NewMemory(ratelimit.MemoryConfig{}))
	path := "/identifier/unknown/kel"

	for i := 0; i < 2; i++ {
		rec := ts.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("RateLimit-Limit"))
	}
	rec := ts.do(http.MethodGet, path, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = ts.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
