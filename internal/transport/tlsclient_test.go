package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	fhttp "github.com/bogdanfinn/fhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDoer struct {
	got  *fhttp.Request
	body string
	resp *fhttp.Response
	err  error
}

func (f *fakeDoer) Do(req *fhttp.Request) (*fhttp.Response, error) {
	f.got = req
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		f.body = string(b)
	}
	return f.resp, f.err
}

func TestTLSClient_DoConvertsRequestAndResponse(t *testing.T) {
	fake := &fakeDoer{resp: &fhttp.Response{
		Status:        "201 Created",
		StatusCode:    http.StatusCreated,
		Proto:         "HTTP/2.0",
		ProtoMajor:    2,
		Header:        fhttp.Header{"X-Reply": {"yes"}},
		Body:          io.NopCloser(strings.NewReader("done")),
		ContentLength: 4,
	}}
	c := &TLSClient{doer: fake}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://example.com/exampleEndpoint?q=1", strings.NewReader("payload"))
	require.NoError(t, err)
	req.Header.Set("x-answer", "abc")

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.NotNil(t, fake.got)
	assert.Equal(t, http.MethodPost, fake.got.Method)
	assert.Equal(t, "https://example.com/exampleEndpoint?q=1", fake.got.URL.String())
	assert.Equal(t, "abc", fake.got.Header.Get("x-answer"))
	assert.Equal(t, int64(len("payload")), fake.got.ContentLength)
	assert.Equal(t, "payload", fake.body)
	assert.Equal(t, ctx, fake.got.Context())

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Reply"))
	assert.Equal(t, 2, resp.ProtoMajor)
	assert.Same(t, req, resp.Request)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "done", string(body))

	// The caller's headers are copied, not shared.
	fake.got.Header.Set("x-answer", "changed")
	assert.Equal(t, "abc", req.Header.Get("x-answer"))
}

func TestTLSClient_DoError(t *testing.T) {
	boom := errors.New("connection reset")
	c := &TLSClient{doer: &fakeDoer{err: boom}}

	req := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	_, err := c.Do(req)
	assert.ErrorIs(t, err, boom)
}

func TestNewTLSClient_UnknownProfile(t *testing.T) {
	_, err := NewTLSClient(TLSConfig{Profile: "netscape_4"})
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestProfileNames(t *testing.T) {
	names := ProfileNames()
	assert.Contains(t, names, DefaultProfile)
	assert.IsIncreasing(t, names)
}

func TestTLSClient_AgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Answer", r.Header.Get("x-answer"))
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	c, err := NewTLSClient(DefaultTLSConfig())
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/echo", strings.NewReader("hello"))
	require.NoError(t, err)
	req.Header.Set("x-answer", "token")

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, http.MethodPut, resp.Header.Get("X-Method"))
	assert.Equal(t, "token", resp.Header.Get("X-Answer"))
}
