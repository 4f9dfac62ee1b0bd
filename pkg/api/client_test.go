package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kv-datalayer/internal/datalayer"
	"kv-datalayer/internal/server"
)

const testRegion = "1-0-0-0000000000000000"

func startNode(t *testing.T) string {
	t.Helper()
	dl, err := datalayer.New(datalayer.Options{Root: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { dl.Close() })

	ts := httptest.NewServer(server.New(dl, nil, "node-1", nil).Handler())
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

func newTestClient(addrs ...string) *Client {
	cfg := DefaultClientConfig()
	cfg.NodeAddresses = addrs
	cfg.Timeout = 2 * time.Second
	cfg.RetryBackoff = time.Millisecond
	return NewClient(cfg)
}

func TestClient_EndToEnd(t *testing.T) {
	c := newTestClient(startNode(t))

	require.NoError(t, c.CreateRegion(testRegion, 2))
	regions, err := c.Regions()
	require.NoError(t, err)
	assert.Equal(t, []string{testRegion}, regions)

	res, err := c.Put(testRegion, "k", [][]byte{[]byte("x"), []byte("y")}, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)

	obj, res, err := c.Get(testRegion, "k")
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)
	assert.Equal(t, uint64(1), obj.Version)
	assert.Equal(t, [][]byte{[]byte("x"), []byte("y")}, obj.Values)

	res, err = c.Put(testRegion, "k", [][]byte{[]byte("x"), []byte("y")}, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultStaleVersion, res)

	res, err = c.Put(testRegion, "k", [][]byte{[]byte("x")}, 2)
	require.NoError(t, err)
	assert.Equal(t, ResultWrongArity, res)

	res, err = c.Del(testRegion, "k")
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)

	obj, res, err = c.Get(testRegion, "k")
	require.NoError(t, err)
	assert.Equal(t, ResultNotFound, res)
	assert.Nil(t, obj)

	require.NoError(t, c.DropRegion(testRegion))
	_, res, err = c.Get(testRegion, "k")
	require.NoError(t, err)
	assert.Equal(t, ResultInvalidRegion, res)

	h, err := c.Health()
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 0, h.Regions)
}

func TestClient_FailsOverToNextNode(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadAddr := strings.TrimPrefix(dead.URL, "http://")
	dead.Close()

	c := newTestClient(deadAddr, startNode(t))
	_, err := c.Regions()
	assert.NoError(t, err)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Write([]byte(`{"regions":["a"]}`))
	}))
	defer ts.Close()

	c := newTestClient(strings.TrimPrefix(ts.URL, "http://"))
	regions, err := c.Regions()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, regions)
	assert.Equal(t, int64(3), calls.Load())
}

func TestClient_GivesUpAfterRetries(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := newTestClient(strings.TrimPrefix(ts.URL, "http://"))
	err := c.CreateRegion(testRegion, 1)
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, "broken", statusErr.Body)
}

func TestClient_BadRegionIsStatusError(t *testing.T) {
	c := newTestClient(startNode(t))
	_, _, err := c.Get("nope", "k")

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
}

func TestClient_KeyWithSlash(t *testing.T) {
	c := newTestClient(startNode(t))
	require.NoError(t, c.CreateRegion(testRegion, 1))

	res, err := c.Put(testRegion, "dir/file", [][]byte{[]byte("x")}, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)

	obj, res, err := c.Get(testRegion, "dir/file")
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)
	assert.Equal(t, "dir/file", obj.Key)

	_, res, err = c.Get(testRegion, "dir")
	require.NoError(t, err)
	assert.Equal(t, ResultNotFound, res)
}
