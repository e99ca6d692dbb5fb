// Package conn implements the Connection Manager (spec §4.D): websocket
// admission, the per-connection read/write pumps, and inbound envelope
// dispatch into the Room Engine.
//
// Grounded on the reference repo's internal/websockets/ws.go
// (HandleWebSocket/handleMessages/AddPlayer shape), generalized from a
// single in-process room map to the engine's KV-backed state and the
// broadcast fabric's group membership.
package conn

import (
	"net/http"
	"strings"
)

// Identity is what the Connection Manager needs out of admission step 1: a
// user identity and the session claim that must match the active session
// row (spec §4.D, §6 "cookie access_token containing ... user_id and sid").
type Identity struct {
	UserID string
	Sid    string
}

// Authenticator resolves a request's identity claim. User authentication
// itself (bearer issuance/verification, session rows) is an explicit
// collaborator excluded from this module's scope (spec §1 "Out of scope");
// this interface is the seam a real auth service plugs into.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, bool)
}

// CookieAuthenticator is the minimal stand-in collaborator: it trusts a
// pre-verified `access_token` cookie of the form "user_id:sid", leaving
// actual bearer signature verification and session-row matching to the
// real auth service this module depends on but does not implement.
type CookieAuthenticator struct{}

func (CookieAuthenticator) Authenticate(r *http.Request) (Identity, bool) {
	cookie, err := r.Cookie("access_token")
	if err != nil || cookie.Value == "" {
		return Identity{}, false
	}
	userID, sid, ok := strings.Cut(cookie.Value, ":")
	if !ok || userID == "" || sid == "" {
		return Identity{}, false
	}
	return Identity{UserID: userID, Sid: sid}, true
}
