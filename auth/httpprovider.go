// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPProvider is a Provider backed by an HTTP authorization service: it
// POSTs a JSON request to loginURL/aclURL and interprets the response
// status the way a webhook-style external plugin would.
type HTTPProvider struct {
	client   *http.Client
	loginURL string
	aclURL   string
}

// HTTPProviderConfig configures an HTTPProvider.
type HTTPProviderConfig struct {
	LoginURL string
	ACLURL   string
	Timeout  time.Duration
}

// NewHTTPProvider creates an HTTP-backed authorization provider.
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		client:   &http.Client{Timeout: timeout},
		loginURL: cfg.LoginURL,
		aclURL:   cfg.ACLURL,
	}
}

// Init is a no-op: the HTTP provider holds no state across requests.
func (p *HTTPProvider) Init(ctx context.Context) error { return nil }

// SecurityInit is a no-op for the stateless HTTP provider.
func (p *HTTPProvider) SecurityInit(ctx context.Context, reloading bool) error { return nil }

// SecurityCleanup is a no-op for the stateless HTTP provider.
func (p *HTTPProvider) SecurityCleanup(ctx context.Context, reloading bool) error { return nil }

// Cleanup is a no-op for the stateless HTTP provider.
func (p *HTTPProvider) Cleanup(ctx context.Context) error { return nil }

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type aclRequest struct {
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Topic    string `json:"topic"`
	Access   string `json:"access"`
}

type providerResponse struct {
	Allow bool `json:"allow"`
}

func (a Access) String() string {
	switch a {
	case Read:
		return "read"
	case Write:
		return "write"
	case Subscribe:
		return "subscribe"
	default:
		return "unknown"
	}
}

// Login POSTs username/password to loginURL; a 2xx response with
// {"allow":true} grants, any other status or {"allow":false} denies, and
// a failed request or undecodable 2xx body is an error. With no loginURL
// configured every login is granted.
func (p *HTTPProvider) Login(ctx context.Context, username, password string) (Result, error) {
	if p.loginURL == "" {
		return Success, nil
	}
	allow, err := p.post(ctx, p.loginURL, loginRequest{Username: username, Password: password})
	if err != nil {
		return Error, err
	}
	if allow {
		return Success, nil
	}
	return LoginDenied, nil
}

// ACLCheck POSTs the access request to aclURL.
func (p *HTTPProvider) ACLCheck(ctx context.Context, clientID, username, topic string, access Access) (Result, error) {
	if p.aclURL == "" {
		return Success, nil
	}
	allow, err := p.post(ctx, p.aclURL, aclRequest{ClientID: clientID, Username: username, Topic: topic, Access: access.String()})
	if err != nil {
		return Error, err
	}
	if allow {
		return Success, nil
	}
	return ACLDenied, nil
}

func (p *HTTPProvider) post(ctx context.Context, url string, body any) (bool, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("auth: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("auth: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("auth: provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, nil
	}

	var out providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("auth: decode provider response: %w", err)
	}
	return out.Allow, nil
}
