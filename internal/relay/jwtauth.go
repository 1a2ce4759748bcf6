package relay

import (
	"context"
	"encoding/json"

	"github.com/docukit/docsync/internal/auth"
)

// JWTAuthenticator builds an Authenticator on the token manager. The token's
// claims ride along as the socket's auth context.
func JWTAuthenticator(tm *auth.TokenManager) Authenticator {
	return func(ctx context.Context, token string) (*AuthResult, error) {
		claims, err := tm.ValidateToken(token)
		if err != nil {
			// An unparseable token is a rejection, not an internal error.
			return nil, nil
		}
		raw, err := json.Marshal(claims)
		if err != nil {
			return nil, err
		}
		return &AuthResult{UserID: claims.UserID, Context: raw}, nil
	}
}
