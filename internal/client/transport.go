package client

import "net/http"

// Transport is an http.RoundTripper that answers the challenge before every
// request it carries. The Client's own Doer performs the network calls, so
// it must not be an *http.Client built on this Transport.
type Transport struct {
	Client *Client
}

// NewTransport wraps c as a RoundTripper.
func NewTransport(c *Client) *Transport {
	return &Transport{Client: c}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.Client.Do(req)
	if err != nil && req.Body != nil {
		_ = req.Body.Close()
	}
	return resp, err
}

// HTTPClient returns an *http.Client whose requests go through c.
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{Transport: NewTransport(c)}
}
