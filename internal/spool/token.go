package spool

import (
	"context"
	"errors"

	"github.com/fho/mailsyncd/internal/imapsync"
)

// StaticTokenSource returns a preconfigured OAuth2 access token.
// When AccessToken is empty, the credential of the account is used as token.
type StaticTokenSource struct {
	AccessToken string
}

var _ imapsync.TokenSource = (*StaticTokenSource)(nil)

func (s *StaticTokenSource) Token(_ context.Context, _, credential string) (string, error) {
	if s.AccessToken != "" {
		return s.AccessToken, nil
	}

	if credential == "" {
		return "", errors.New("no oauth2 token configured")
	}

	return credential, nil
}
