package auth

import (
	"context"
	"net/http"
)

// TokenSource supplies access tokens. *Machine implements it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Transport is an http.RoundTripper that signs requests with a bearer
// token, refreshing it first when it is about to expire.
type Transport struct {
	Source TokenSource
	// Base is the underlying transport, http.DefaultTransport when nil.
	Base http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.Source.AccessToken(req.Context())
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	return t.base().RoundTrip(r)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// Client returns an *http.Client using a Transport over src.
func Client(src TokenSource) *http.Client {
	return &http.Client{Transport: &Transport{Source: src}}
}
