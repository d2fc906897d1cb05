package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hirecj/cj-gateway/internal/config"
	"github.com/hirecj/cj-gateway/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a minimal token endpoint for the code exchange.
func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-123","token_type":"bearer","expires_in":3600}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func testOAuth(t *testing.T) (*OAuthHandlers, *Bridge, *httptest.Server) {
	t.Helper()
	b, _, _ := testBridge(t)
	provider := fakeProvider(t)

	cfg := config.OAuthConfig{
		Provider:       "shopify",
		ClientID:       "client-1",
		ClientSecret:   "secret-1",
		AuthURL:        provider.URL + "/authorize",
		TokenURL:       provider.URL + "/token",
		RedirectURL:    "http://localhost:8100/oauth/callback",
		HandoffTTLSecs: 600,
	}
	targetFor := func(provider string) string { return "shopify_dashboard" }
	h := NewOAuthHandlers(cfg, b, targetFor, logging.New(nil, "silent"))

	mux := http.NewServeMux()
	h.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return h, b, ts
}

func TestAuthorize_RedirectCarriesConversationID(t *testing.T) {
	_, _, ts := testOAuth(t)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(ts.URL + "/oauth/authorize?conversation_id=conv_1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := resp.Location()
	require.NoError(t, err)
	assert.Equal(t, "conv_1", loc.Query().Get("state"))
	assert.Equal(t, "client-1", loc.Query().Get("client_id"))
}

func TestAuthorize_MissingConversationID(t *testing.T) {
	_, _, ts := testOAuth(t)

	resp, err := http.Get(ts.URL + "/oauth/authorize")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCallback_RecordsHandoff(t *testing.T) {
	_, b, ts := testOAuth(t)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(ts.URL + "/oauth/callback?state=conv_1&code=abc&shop=acme.myshopify.com")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := resp.Location()
	require.NoError(t, err)
	assert.Equal(t, "/?oauth=complete", loc.String())

	res, err := b.Resume(context.Background(), "conv_1", "")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "shopify_dashboard", res.TargetWorkflow)
	assert.Equal(t, "acme.myshopify.com", res.CompletionData["shop_domain"])
	assert.Equal(t, "The shopify store acme.myshopify.com is now connected.", res.TriggerMessage)
}

func TestCallback_MissingCode(t *testing.T) {
	_, _, ts := testOAuth(t)

	resp, err := http.Get(ts.URL + "/oauth/callback?state=conv_1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
