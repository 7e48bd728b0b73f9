package baidu

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbot/internal/backend"
	"chatbot/internal/config"
)

func oauthServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		q := r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		if q.Get("grant_type") != "client_credentials" || q.Get("client_id") != "ak" || q.Get("client_secret") != "sk" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"unknown client id"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"24.fresh","expires_in":2592000}`))
	}))
}

func TestTokenFetchedAndPersisted(t *testing.T) {
	var hits atomic.Int32
	srv := oauthServer(t, &hits)
	defer srv.Close()

	cfg := config.FromMap(map[string]any{"baidu.nlg.api_key": "ak", "baidu.nlg.secret_key": "sk"})
	ts := NewTokenSource(srv.Client(), cfg.Section("Baidu.nlg"))
	ts.URL = srv.URL

	tok, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "24.fresh", tok)

	tok, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "24.fresh", tok)
	assert.Equal(t, int32(1), hits.Load())

	assert.True(t, cfg.Dirty())
	assert.Equal(t, "24.fresh", cfg.Section("Baidu.nlg").String("access_token", ""))
}

func TestCachedTokenUsedWithoutRequest(t *testing.T) {
	cfg := config.FromMap(map[string]any{"baidu.speech.access_token": "24.cached"})
	ts := NewTokenSource(nil, cfg.Section("Baidu.speech"))
	ts.URL = "http://127.0.0.1:1/unused"

	tok, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "24.cached", tok)
}

func TestRejectedCredentials(t *testing.T) {
	var hits atomic.Int32
	srv := oauthServer(t, &hits)
	defer srv.Close()

	cfg := config.FromMap(map[string]any{"baidu.nlg.api_key": "ak", "baidu.nlg.secret_key": "wrong"})
	ts := NewTokenSource(srv.Client(), cfg.Section("Baidu.nlg"))
	ts.URL = srv.URL

	err := ts.Refresh(context.Background())
	assert.ErrorIs(t, err, backend.ErrConfig)
	assert.Contains(t, err.Error(), "invalid_client")
	assert.False(t, cfg.Dirty())
}
