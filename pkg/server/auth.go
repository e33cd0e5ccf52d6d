package server

import (
	"net/http"
	"strings"

	"github.com/chatstream-io/chatstream/pkg/chaterrors"
	"github.com/chatstream-io/chatstream/pkg/config"
)

// anonymousGuest is used when no auth tokens are configured at all, so
// a bare local deployment still works.
var anonymousGuest = config.User{ID: "anonymous", Type: "guest"}

// authenticate resolves the bearer token to a configured user. With an
// empty token table every caller is the anonymous guest.
func (s *Server) authenticate(r *http.Request) (config.User, *chaterrors.ChatError) {
	if len(s.cfg.Auth.Tokens) == 0 {
		return anonymousGuest, nil
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return config.User{}, chaterrors.New(chaterrors.KindUnauthorized, "api", "missing bearer token")
	}
	user, ok := s.cfg.Auth.Tokens[strings.TrimSpace(token)]
	if !ok {
		return config.User{}, chaterrors.New(chaterrors.KindUnauthorized, "api", "unknown token")
	}
	return user, nil
}
