// Package baidu holds the OAuth client-credentials flow shared by the
// ERNIE, speech recognition and speech synthesis adapters.
package baidu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"chatbot/internal/backend"
	"chatbot/internal/config"
)

const TokenURL = "https://aip.baidubce.com/oauth/2.0/token"

// TokenSource hands out the cached access token and fetches a new one on
// demand. Fresh tokens are written back to the config section so they
// survive restarts.
type TokenSource struct {
	URL    string
	client *http.Client
	sec    config.Section

	mu    sync.Mutex
	token string
}

func NewTokenSource(client *http.Client, sec config.Section) *TokenSource {
	return &TokenSource{
		URL:    TokenURL,
		client: client,
		sec:    sec,
		token:  sec.String("access_token", ""),
	}
}

// Token returns the cached token, fetching one first if there is none.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	tok := t.token
	t.mu.Unlock()
	if tok != "" {
		return tok, nil
	}
	if err := t.Refresh(ctx); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token, nil
}

type tokenReply struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh runs the client-credentials grant.
func (t *TokenSource) Refresh(ctx context.Context) error {
	u, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("%w: token url: %v", backend.ErrConfig, err)
	}
	q := u.Query()
	q.Set("grant_type", "client_credentials")
	q.Set("client_id", t.sec.String("api_key", ""))
	q.Set("client_secret", t.sec.String("secret_key", ""))
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrConfig, err)
	}
	req.Header.Set("Accept", "application/json")

	client := t.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return backend.Classify(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return backend.Classify(err)
	}
	// Rejected credentials come back as 4xx with a JSON error body.
	var reply tokenReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("%w: oauth: %s: %v", backend.ErrUpstream, resp.Status, err)
	}
	if reply.Error != "" || reply.AccessToken == "" {
		return fmt.Errorf("%w: oauth: %s %s", backend.ErrConfig, reply.Error, reply.ErrorDescription)
	}

	t.mu.Lock()
	t.token = reply.AccessToken
	t.mu.Unlock()
	t.sec.Set("access_token", reply.AccessToken)
	return nil
}
