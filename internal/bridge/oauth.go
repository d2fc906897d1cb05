package bridge

import (
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/hirecj/cj-gateway/internal/config"
	"github.com/hirecj/cj-gateway/internal/logging"
)

// OAuthHandlers implements the redirect and callback endpoints for the
// external authorization provider. The client persists its conversation id
// before redirecting; it travels through the round trip in the state
// parameter so the callback can key the handoff.
type OAuthHandlers struct {
	cfg        config.OAuthConfig
	oauth      *oauth2.Config
	bridge     *Bridge
	targetFor  func(provider string) string
	handoffTTL time.Duration
	log        *logging.Logger
}

// NewOAuthHandlers wires the provider configuration to the bridge.
// targetFor maps a provider name to its post-integration workflow.
func NewOAuthHandlers(cfg config.OAuthConfig, b *Bridge, targetFor func(provider string) string, log *logging.Logger) *OAuthHandlers {
	return &OAuthHandlers{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		bridge:     b,
		targetFor:  targetFor,
		handoffTTL: time.Duration(cfg.HandoffTTLSecs) * time.Second,
		log:        log.Sub("oauth"),
	}
}

// Register mounts the authorize and callback routes.
func (h *OAuthHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /oauth/authorize", h.handleAuthorize)
	mux.HandleFunc("GET /oauth/callback", h.handleCallback)
}

// handleAuthorize redirects the browser to the provider's consent page. The
// conversation id arrives as a query parameter and rides the state field.
func (h *OAuthHandlers) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	url := h.oauth.AuthCodeURL(conversationID, oauth2.AccessTypeOffline)
	h.log.Debug().Str("conversationId", conversationID).Msg("redirecting to provider")
	http.Redirect(w, r, url, http.StatusFound)
}

// handleCallback exchanges the authorization code and records the handoff the
// reconnecting client will resume.
func (h *OAuthHandlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	conversationID := q.Get("state")
	code := q.Get("code")
	if conversationID == "" || code == "" {
		http.Error(w, "missing state or code", http.StatusBadRequest)
		return
	}

	token, err := h.oauth.Exchange(r.Context(), code)
	if err != nil {
		h.log.Error().Err(err).Str("conversationId", conversationID).Msg("code exchange failed")
		http.Error(w, "authorization failed", http.StatusBadGateway)
		return
	}

	target := h.targetFor(h.cfg.Provider)
	if target == "" {
		h.log.Error().Str("provider", h.cfg.Provider).Msg("no post-integration workflow bound for provider")
		http.Error(w, "provider not configured", http.StatusInternalServerError)
		return
	}

	completion := map[string]string{
		"provider": h.cfg.Provider,
	}
	// Shopify-style providers pass the authenticated shop domain through the
	// callback query; the target workflow's trigger template expects it.
	if shop := q.Get("shop"); shop != "" {
		completion["shop_domain"] = shop
	}
	if token.Expiry.IsZero() {
		completion["token_type"] = token.TokenType
	}

	if err := h.bridge.RecordHandoff(r.Context(), conversationID, target, completion, h.handoffTTL); err != nil {
		h.log.Error().Err(err).Str("conversationId", conversationID).Msg("recording handoff failed")
		http.Error(w, "authorization failed", http.StatusInternalServerError)
		return
	}

	// Back to the app; the client reopens its connection with the persisted
	// conversation id and the bridge resumes from the handoff.
	http.Redirect(w, r, "/?oauth=complete", http.StatusFound)
}
