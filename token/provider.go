// Package token acquires the short-lived credential a listener session logs in with.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/jedapaw/echo-alert-zone/common"
	"github.com/jonboulle/clockwork"
)

// ErrTokenRequest the credential request was answered with a failure
var ErrTokenRequest = errors.New("credential request failed")

// ErrEmptyToken the backend answered without a token
var ErrEmptyToken = errors.New("backend returned an empty token")

// StatusError a non-2xx answer from the token endpoint
type StatusError struct {
	StatusCode int
	Status     string
}

// Error implements error
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", ErrTokenRequest.Error(), e.Status)
}

// Unwrap allows errors.Is(err, ErrTokenRequest)
func (e *StatusError) Unwrap() error {
	return ErrTokenRequest
}

// TokenProvider acquires a credential for an identity
type TokenProvider interface {
	// FetchCredential perform one round trip for a fresh credential scoped to identity
	FetchCredential(ctxt context.Context, identity string) (common.Credential, error)
}

// HTTPTokenProviderParams parameters for the HTTP token provider
type HTTPTokenProviderParams struct {
	// BackendURL base URL of the backend hosting /api/token/rtm/<identity>
	BackendURL string `validate:"required,url"`
	// RequestTimeout max duration of one credential request
	RequestTimeout time.Duration `validate:"gte=0"`
	// Client HTTP client to use. http.DefaultClient is used when nil.
	Client *http.Client
}

// tokenResponse body of a successful token request
type tokenResponse struct {
	Token string `json:"token"`
}

// httpTokenProviderImpl implements TokenProvider
type httpTokenProviderImpl struct {
	common.Component
	baseURL string
	timeout time.Duration
	client  *http.Client
	clock   clockwork.Clock
}

// GetHTTPTokenProvider define new HTTP backed TokenProvider
func GetHTTPTokenProvider(
	params HTTPTokenProviderParams, clock clockwork.Clock,
) (TokenProvider, error) {
	logTags := log.Fields{
		"module": "token", "component": "http-token-provider", "instance": params.BackendURL,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid token provider parameters")
		return nil, err
	}
	client := params.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &httpTokenProviderImpl{
		Component: common.Component{LogTags: logTags},
		baseURL:   strings.TrimRight(params.BackendURL, "/"),
		timeout:   params.RequestTimeout,
		client:    client,
		clock:     clock,
	}, nil
}

// credentialURL the token endpoint for an identity
func (p *httpTokenProviderImpl) credentialURL(identity string) string {
	return fmt.Sprintf("%s/api/token/rtm/%s", p.baseURL, url.PathEscape(identity))
}

// FetchCredential perform one round trip for a fresh credential scoped to identity
func (p *httpTokenProviderImpl) FetchCredential(
	ctxt context.Context, identity string,
) (common.Credential, error) {
	if identity == "" {
		return common.Credential{}, fmt.Errorf("no identity given")
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctxt, cancel = context.WithTimeout(ctxt, p.timeout)
		defer cancel()
	}
	target := p.credentialURL(identity)
	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, target, nil)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to define request for %s", target)
		return common.Credential{}, err
	}
	req.Header.Set("Accept", "application/json")

	log.WithFields(p.LogTags).Debugf("Requesting credential for %s", identity)
	resp, err := p.client.Do(req)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Credential request for %s failed", identity)
		return common.Credential{}, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		log.WithError(err).WithFields(p.LogTags).Errorf("Credential request for %s rejected", identity)
		return common.Credential{}, err
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Unable to parse credential response")
		return common.Credential{}, err
	}
	if body.Token == "" {
		log.WithError(ErrEmptyToken).WithFields(p.LogTags).Error("Unusable credential response")
		return common.Credential{}, ErrEmptyToken
	}
	log.WithFields(p.LogTags).Debugf("Received credential for %s", identity)
	return common.Credential{
		Identity: identity, Token: body.Token, IssuedAt: p.clock.Now(),
	}, nil
}
