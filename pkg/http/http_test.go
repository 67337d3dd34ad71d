package http_test

import (
	"errors"
	gohttp "net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterdesk/meterdesk/pkg/http"
)

type flakyTransport struct {
	failures int32
	inner    gohttp.RoundTripper
}

func (t *flakyTransport) RoundTrip(req *gohttp.Request) (*gohttp.Response, error) {
	if atomic.AddInt32(&t.failures, -1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return t.inner.RoundTrip(req)
}

func TestGetWithQueryAndJSON(t *testing.T) {
	srv := httptest.NewServer(gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
		assert.Equal(t, "02215", r.URL.Query().Get("postalcode"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`[{"lat":"42.35"}]`)) //nolint:errcheck
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL).Query("postalcode", "02215").Send()
	require.NoError(t, err)
	assert.True(t, resp.OK())
	require.NoError(t, resp.Throw())

	var places []struct {
		Lat string `json:"lat"`
	}
	require.NoError(t, resp.JSON(&places))
	require.Len(t, places, 1)
	assert.Equal(t, "42.35", places[0].Lat)
}

func TestRetryRecoversFromTransportFailures(t *testing.T) {
	srv := httptest.NewServer(gohttp.HandlerFunc(func(w gohttp.ResponseWriter, _ *gohttp.Request) {
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	http.DefaultClient.Transport = &flakyTransport{failures: 2, inner: gohttp.DefaultTransport}
	defer http.ResetTransport()

	resp, err := http.Get(srv.URL).Retry(3, time.Millisecond).Send()
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text())
}

func TestRetryGivesUp(t *testing.T) {
	http.DefaultClient.Transport = &flakyTransport{failures: 10, inner: gohttp.DefaultTransport}
	defer http.ResetTransport()

	_, err := http.Get("http://example.invalid").Retry(2, time.Millisecond).Send()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 attempts failed")
}

func TestThrowOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(gohttp.HandlerFunc(func(w gohttp.ResponseWriter, _ *gohttp.Request) {
		w.WriteHeader(gohttp.StatusBadGateway)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL).Send()
	require.NoError(t, err, "an error status is still a delivered response")
	assert.False(t, resp.OK())
	assert.Error(t, resp.Throw())
}

func TestPostSendsJSONBody(t *testing.T) {
	srv := httptest.NewServer(gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(gohttp.StatusCreated)
	}))
	defer srv.Close()

	resp, err := http.Post(srv.URL).Body(map[string]string{"name": "meter"}).Send()
	require.NoError(t, err)
	assert.Equal(t, gohttp.StatusCreated, resp.StatusCode)
}
