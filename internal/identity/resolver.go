// Package identity derives a stable conversation identity from transport
// credentials. Authenticated users map to the same conversation id on every
// connection; anonymous visitors get a fresh ephemeral id.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Identity is the resolved identity of one connection.
type Identity struct {
	ConversationID string
	UserID         string
	Anonymous      bool
}

// Resolver turns an inbound request's credentials into a conversation id.
// Resolution never fails: invalid or missing credentials degrade to an
// anonymous identity rather than blocking the connection.
type Resolver struct {
	cookieName string
	secret     []byte
}

// NewResolver creates a resolver reading the named durable-identity cookie,
// verified against the given HMAC secret.
func NewResolver(cookieName, secret string) *Resolver {
	return &Resolver{cookieName: cookieName, secret: []byte(secret)}
}

// Resolve derives the identity for an HTTP upgrade request.
func (r *Resolver) Resolve(req *http.Request) Identity {
	cookie, err := req.Cookie(r.cookieName)
	if err != nil || cookie.Value == "" {
		return anonymous()
	}

	userID, ok := r.verify(cookie.Value)
	if !ok {
		// Fails closed: a bad credential is just an anonymous visitor.
		return anonymous()
	}

	return Identity{
		ConversationID: ConversationID(userID),
		UserID:         userID,
	}
}

// ResolveToken derives the identity from a bare token value (used by
// transports that carry the credential outside a cookie).
func (r *Resolver) ResolveToken(token string) Identity {
	if token == "" {
		return anonymous()
	}
	userID, ok := r.verify(token)
	if !ok {
		return anonymous()
	}
	return Identity{
		ConversationID: ConversationID(userID),
		UserID:         userID,
	}
}

// MintToken produces a signed durable-identity token for a user id. The
// format is "userID.hexsig" with an HMAC-SHA256 signature.
func (r *Resolver) MintToken(userID string) string {
	return userID + "." + hex.EncodeToString(r.sign(userID))
}

// verify checks a "userID.hexsig" token and returns the user id on success.
func (r *Resolver) verify(token string) (string, bool) {
	if len(r.secret) == 0 {
		return "", false
	}
	dot := strings.LastIndexByte(token, '.')
	if dot <= 0 || dot == len(token)-1 {
		return "", false
	}
	userID := token[:dot]
	sig, err := hex.DecodeString(token[dot+1:])
	if err != nil {
		return "", false
	}
	want := r.sign(userID)
	if subtle.ConstantTimeCompare(sig, want) != 1 {
		return "", false
	}
	return userID, true
}

func (r *Resolver) sign(userID string) []byte {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(userID))
	return mac.Sum(nil)
}

// ConversationID is the pure mapping from a user id to that user's one
// conversation id. Deterministic: reconnects and other devices land on the
// same conversation.
func ConversationID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return "conv_" + hex.EncodeToString(sum[:])[:32]
}

func anonymous() Identity {
	return Identity{
		ConversationID: "anon_" + uuid.New().String(),
		Anonymous:      true,
	}
}
