// Package transport provides HTTP transports for the challenge client that
// present a browser TLS fingerprint.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	fhttp "github.com/bogdanfinn/fhttp"
	"github.com/bogdanfinn/fhttp/cookiejar"
	tlsclient "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"

	"github.com/powgate/internal/client"
)

// DefaultProfile is the fingerprint used when TLSConfig.Profile is empty.
const DefaultProfile = "chrome_124"

// ErrUnknownProfile indicates a profile name tls-client does not know.
var ErrUnknownProfile = errors.New("unknown TLS profile")

// TLSConfig configures a TLSClient.
type TLSConfig struct {
	// Profile is a tls-client profile name such as "chrome_124" or
	// "firefox_117".
	Profile string

	Timeout            time.Duration
	ProxyURL           string
	FollowRedirects    bool
	InsecureSkipVerify bool
}

// DefaultTLSConfig returns a config with the default profile and a 30s timeout.
func DefaultTLSConfig() TLSConfig {
	return TLSConfig{
		Profile: DefaultProfile,
		Timeout: 30 * time.Second,
	}
}

type fhttpDoer interface {
	Do(req *fhttp.Request) (*fhttp.Response, error)
}

// TLSClient sends net/http requests through a tls-client HTTP client.
type TLSClient struct {
	doer fhttpDoer
}

var _ client.Doer = (*TLSClient)(nil)

// NewTLSClient creates a fingerprinted client with its own cookie jar.
func NewTLSClient(cfg TLSConfig) (*TLSClient, error) {
	name := cfg.Profile
	if name == "" {
		name = DefaultProfile
	}
	profile, ok := profiles.MappedTLSClients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownProfile, name, ProfileNames())
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	options := []tlsclient.HttpClientOption{
		tlsclient.WithClientProfile(profile),
		tlsclient.WithCookieJar(jar),
		tlsclient.WithRandomTLSExtensionOrder(),
	}
	if cfg.Timeout > 0 {
		options = append(options, tlsclient.WithTimeoutSeconds(int((cfg.Timeout+time.Second-1)/time.Second)))
	}
	if !cfg.FollowRedirects {
		options = append(options, tlsclient.WithNotFollowRedirects())
	}
	if cfg.InsecureSkipVerify {
		options = append(options, tlsclient.WithInsecureSkipVerify())
	}
	if cfg.ProxyURL != "" {
		options = append(options, tlsclient.WithProxyUrl(cfg.ProxyURL))
	}

	c, err := tlsclient.NewHttpClient(tlsclient.NewNoopLogger(), options...)
	if err != nil {
		return nil, fmt.Errorf("create TLS client: %w", err)
	}
	return &TLSClient{doer: c}, nil
}

// Do converts req to an fhttp request, sends it and converts the response
// back. The response Body is the underlying fhttp body.
func (t *TLSClient) Do(req *http.Request) (*http.Response, error) {
	freq, err := toFHTTP(req)
	if err != nil {
		return nil, err
	}
	fresp, err := t.doer.Do(freq)
	if err != nil {
		return nil, err
	}
	return fromFHTTP(fresp, req), nil
}

// ProfileNames lists the profile names NewTLSClient accepts.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles.MappedTLSClients))
	for name := range profiles.MappedTLSClients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func toFHTTP(req *http.Request) (*fhttp.Request, error) {
	freq, err := fhttp.NewRequestWithContext(req.Context(), req.Method, req.URL.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("convert request: %w", err)
	}
	freq.Header = fhttp.Header(req.Header.Clone())
	if freq.Header == nil {
		freq.Header = make(fhttp.Header)
	}
	freq.ContentLength = req.ContentLength
	freq.Host = req.Host
	return freq, nil
}

func fromFHTTP(resp *fhttp.Response, req *http.Request) *http.Response {
	return &http.Response{
		Status:           resp.Status,
		StatusCode:       resp.StatusCode,
		Proto:            resp.Proto,
		ProtoMajor:       resp.ProtoMajor,
		ProtoMinor:       resp.ProtoMinor,
		Header:           http.Header(resp.Header),
		Body:             resp.Body,
		ContentLength:    resp.ContentLength,
		TransferEncoding: resp.TransferEncoding,
		Close:            resp.Close,
		Uncompressed:     resp.Uncompressed,
		Trailer:          http.Header(resp.Trailer),
		Request:          req,
	}
}
