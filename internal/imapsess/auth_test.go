package imapsess

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-sasl"

	"github.com/fho/mailsyncd/internal/testutils/assert"
)

func TestXOAuth2InitialResponse(t *testing.T) {
	clt, err := newXOAuth2Client("user@example.com", "tkn")
	assert.NoError(t, err)

	mech, ir, err := clt.Start()
	assert.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, "user=user@example.com\x01auth=Bearer tkn\x01\x01", string(ir))

	resp, err := clt.Next([]byte(`{"status":"401"}`))
	assert.NoError(t, err)
	assert.Equal(t, 0, len(resp))
}

func TestOAuth2ClientSelection(t *testing.T) {
	clt, err := newOAuth2Client(imap.CapSet{imap.AuthCap(sasl.OAuthBearer): {}}, "u", "t")
	assert.NoError(t, err)
	mech, _, err := clt.Start()
	assert.NoError(t, err)
	assert.Equal(t, sasl.OAuthBearer, mech)

	clt, err = newOAuth2Client(imap.CapSet{
		imap.AuthCap(sasl.OAuthBearer): {},
		imap.AuthCap("XOAUTH2"):        {},
	}, "u", "t")
	assert.NoError(t, err)
	mech, _, err = clt.Start()
	assert.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
}

func TestParseMessageID(t *testing.T) {
	assert.Equal(t, "abc@example.com", parseMessageID("<abc@example.com>"))
	assert.Equal(t, "abc@example.com", parseMessageID(" abc@example.com "))
	assert.Equal(t, "", parseMessageID(""))
}

func TestMaskCredentials(t *testing.T) {
	assert.Equal(t, "T1 LOGIN ***\r\n", string(maskCredentials([]byte("T1 LOGIN user secret\r\n"))))
	assert.Equal(t, "T2 AUTHENTICATE ***\r\n", string(maskCredentials([]byte("T2 AUTHENTICATE XOAUTH2 dXNlcj0=\r\n"))))
	assert.Equal(t, "T3 SELECT INBOX\r\n", string(maskCredentials([]byte("T3 SELECT INBOX\r\n"))))
}
