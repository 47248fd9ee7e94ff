package httpd_test

import (
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/irobot-precache/internal/config"
	"github.com/wtsi-hgi/irobot-precache/internal/httpd"
	"github.com/wtsi-hgi/irobot-precache/internal/precache"
	"github.com/wtsi-hgi/irobot-precache/internal/trackingindex"
	"github.com/wtsi-hgi/irobot-precache/internal/upstream"
	"github.com/wtsi-hgi/irobot-precache/internal/upstream/upstreamtest"
)

func newTestServer(t *testing.T, sizeLimit int64) (*httptest.Server, *upstreamtest.Server) {
	t.Helper()

	fake := upstreamtest.New()
	t.Cleanup(fake.Close)

	idx, err := trackingindex.Open(filepath.Join(t.TempDir(), "index.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	gw := upstream.New(fake.URL(), 4, 5*time.Second)

	manager := precache.New(precache.Config{
		Root:                  t.TempDir(),
		ChunkSize:             4,
		SizeLimit:             sizeLimit,
		FetchConcurrency:      2,
		ChecksumConcurrency:   2,
		MismatchRetries:       1,
		ExpiryUnlimited:       true,
		AgeThresholdUnlimited: true,
	}, idx, gw, nil)
	t.Cleanup(manager.Shutdown)

	cfg := &config.Config{HTTPD: config.HTTPDConfig{Timeout: 5 * time.Second}}

	srv := httpd.New(manager, cfg, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return ts, fake
}

func waitForOK(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	var resp *http.Response
	assert.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+path, nil)
		r, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		if r.StatusCode == http.StatusOK {
			resp = r
			return true
		}
		r.Body.Close()
		return false
	}, 2*time.Second, 10*time.Millisecond, "object never became available")
	require.NotNil(t, resp)
	return resp
}

func TestGetUnknownUpstreamObjectReturns404(t *testing.T) {
	ts, _ := newTestServer(t, -1)

	resp, err := http.Get(ts.URL + "/zone/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetReturnsETAThen200OnceFinished(t *testing.T) {
	ts, fake := newTestServer(t, -1)
	fake.Put("/zone/a", &upstreamtest.Object{Data: []byte("hello precache world")})

	first, err := http.Get(ts.URL + "/zone/a")
	require.NoError(t, err)
	defer first.Body.Close()
	assert.Equal(t, http.StatusAccepted, first.StatusCode)
	assert.Equal(t, "application/vnd.irobot.eta", first.Header.Get("Content-Type"))

	resp := waitForOK(t, ts, "/zone/a")
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello precache world", string(body))
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("ETag"))
}

func TestGetWithUnacceptableAcceptReturns406(t *testing.T) {
	ts, fake := newTestServer(t, -1)
	fake.Put("/zone/a", &upstreamtest.Object{Data: []byte("x")})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/zone/a", nil)
	req.Header.Set("Accept", "application/xml")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestGetMetadataOnlyReturnsJSON(t *testing.T) {
	ts, fake := newTestServer(t, -1)
	fake.Put("/zone/a", &upstreamtest.Object{Data: []byte("payload")})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/zone/a", nil)
	req.Header.Set("Accept", "application/vnd.irobot.metadata+json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.irobot.metadata+json", resp.Header.Get("Content-Type"))
}

func TestGetIfNoneMatchReturns304(t *testing.T) {
	ts, fake := newTestServer(t, -1)
	fake.Put("/zone/a", &upstreamtest.Object{Data: []byte("content for etag")})

	resp := waitForOK(t, ts, "/zone/a")
	etag := resp.Header.Get("ETag")
	resp.Body.Close()
	require.NotEmpty(t, etag)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/zone/a", nil)
	req.Header.Set("If-None-Match", etag)
	second, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer second.Body.Close()
	assert.Equal(t, http.StatusNotModified, second.StatusCode)
}

func TestGetSingleRangeReturns206WithContentRange(t *testing.T) {
	ts, fake := newTestServer(t, -1)
	fake.Put("/zone/a", &upstreamtest.Object{Data: []byte("0123456789abcdef")})

	ok := waitForOK(t, ts, "/zone/a")
	ok.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/zone/a", nil)
	req.Header.Set("Range", "bytes=2-5")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 2-5/16", resp.Header.Get("Content-Range"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(body))
}

func TestGetMultiRangeReturnsMultipartByteranges(t *testing.T) {
	ts, fake := newTestServer(t, -1)
	fake.Put("/zone/a", &upstreamtest.Object{Data: []byte("0123456789abcdef")})

	ok := waitForOK(t, ts, "/zone/a")
	ok.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/zone/a", nil)
	req.Header.Set("Range", "bytes=0-3,8-11")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/byteranges", mediaType)

	mr := multipart.NewReader(resp.Body, params["boundary"])
	var parts [][]byte
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		b, err := io.ReadAll(part)
		require.NoError(t, err)
		parts = append(parts, b)
	}
	require.Len(t, parts, 2)
	assert.Equal(t, "0123", string(parts[0]))
	assert.Equal(t, "89ab", string(parts[1]))
}

func TestGetBadRangeReturns416(t *testing.T) {
	ts, fake := newTestServer(t, -1)
	fake.Put("/zone/a", &upstreamtest.Object{Data: []byte("short")})

	ok := waitForOK(t, ts, "/zone/a")
	ok.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/zone/a", nil)
	req.Header.Set("Range", "bytes=1000-2000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
}

func TestPostForceRefetchUnchangedReturns201(t *testing.T) {
	ts, fake := newTestServer(t, -1)
	fake.Put("/zone/a", &upstreamtest.Object{Data: []byte("stable")})

	ok := waitForOK(t, ts, "/zone/a")
	ok.Body.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/zone/a", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestPostForceRefetchChangedReturns202WithETA(t *testing.T) {
	ts, fake := newTestServer(t, -1)
	fake.Put("/zone/a", &upstreamtest.Object{Data: []byte("version one")})

	ok := waitForOK(t, ts, "/zone/a")
	ok.Body.Close()

	fake.Put("/zone/a", &upstreamtest.Object{Data: []byte("a rather different version two")})

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/zone/a", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestDeleteRemovesEntityThenSubsequentGetRefetches(t *testing.T) {
	ts, fake := newTestServer(t, -1)
	fake.Put("/zone/a", &upstreamtest.Object{Data: []byte("removable")})

	ok := waitForOK(t, ts, "/zone/a")
	ok.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/zone/a", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	again := waitForOK(t, ts, "/zone/a")
	defer again.Body.Close()
	assert.Equal(t, 2, fake.FetchDataCalls["/zone/a"])
}

func TestOptionsAdvertisesAllowHeader(t *testing.T) {
	ts, _ := newTestServer(t, -1)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/zone/a", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	allow := resp.Header.Get("Allow")
	assert.Contains(t, allow, http.MethodGet)
	assert.Contains(t, allow, http.MethodPost)
	assert.Contains(t, allow, http.MethodDelete)
}

func TestStatusConfigManifestEndpoints(t *testing.T) {
	ts, fake := newTestServer(t, -1)
	fake.Put("/zone/a", &upstreamtest.Object{Data: []byte("tracked")})

	ok := waitForOK(t, ts, "/zone/a")
	ok.Body.Close()

	for _, path := range []string{"/status", "/config", "/manifest"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"), path)
		resp.Body.Close()
	}
}
