package imapsess

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-sasl"
	"github.com/sqs/go-xoauth2"
)

const mechXOAuth2 = "XOAUTH2"

type xoauth2Client struct {
	ir []byte
}

func newXOAuth2Client(user, token string) (*xoauth2Client, error) {
	ir, err := base64.StdEncoding.DecodeString(xoauth2.XOAuth2String(user, token))
	if err != nil {
		return nil, fmt.Errorf("encoding xoauth2 initial response failed: %w", err)
	}

	return &xoauth2Client{ir: ir}, nil
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return mechXOAuth2, c.ir, nil
}

// Next answers the error challenge of a failed authentication with an empty
// response, the server then fails the command with the actual error.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	if len(challenge) == 0 {
		return nil, errors.New("unexpected empty xoauth2 challenge")
	}

	return []byte{}, nil
}

// newOAuth2Client returns a XOAUTH2 sasl client, or a OAUTHBEARER client
// if the server only supports the latter.
func newOAuth2Client(caps imap.CapSet, user, token string) (sasl.Client, error) {
	if !caps.Has(imap.AuthCap(mechXOAuth2)) && caps.Has(imap.AuthCap(sasl.OAuthBearer)) {
		return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: user,
			Token:    token,
		}), nil
	}

	return newXOAuth2Client(user, token)
}
