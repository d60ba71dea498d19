package imapsync

import (
	"fmt"
	"strings"
)

// ServerFlags configure the transport security and authentication method.
type ServerFlags int

const (
	FlagAuthOAuth2     ServerFlags = 0x2
	FlagSocketStartTLS ServerFlags = 0x100
	FlagSocketSSL      ServerFlags = 0x200
	FlagSocketPlain    ServerFlags = 0x400
)

func (f ServerFlags) Has(flag ServerFlags) bool {
	return f&flag != 0
}

func (f ServerFlags) String() string {
	var names []string

	if f.Has(FlagAuthOAuth2) {
		names = append(names, "oauth2")
	}
	if f.Has(FlagSocketStartTLS) {
		names = append(names, "starttls")
	}
	if f.Has(FlagSocketSSL) {
		names = append(names, "ssl")
	}
	if f.Has(FlagSocketPlain) {
		names = append(names, "plain")
	}

	return strings.Join(names, "|")
}

type CertificateChecks int

const (
	// CertificateChecksAutomatic verifies certificates like
	// [CertificateChecksStrict].
	CertificateChecksAutomatic CertificateChecks = iota
	CertificateChecksStrict
	CertificateChecksAcceptInvalid
)

func (c CertificateChecks) String() string {
	switch c {
	case CertificateChecksAutomatic:
		return "automatic"
	case CertificateChecksStrict:
		return "strict"
	case CertificateChecksAcceptInvalid:
		return "accept-invalid"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// ParseCertificateChecks parses the string representation of
// [CertificateChecks]. An empty string is [CertificateChecksAutomatic].
func ParseCertificateChecks(s string) (CertificateChecks, error) {
	switch strings.ToLower(s) {
	case "", "automatic":
		return CertificateChecksAutomatic, nil
	case "strict":
		return CertificateChecksStrict, nil
	case "accept-invalid":
		return CertificateChecksAcceptInvalid, nil
	default:
		return 0, fmt.Errorf("invalid certificate check policy: %q", s)
	}
}

// LoginParams are the parameters to connect and authenticate at an IMAP
// server.
type LoginParams struct {
	// Addr is the email address of the account, it is used to request
	// OAuth2 tokens.
	Addr   string
	Server string
	Port   uint16
	User   string
	// Password is the password or, with [FlagAuthOAuth2], the credential
	// passed to the [TokenSource].
	Password          string
	CertificateChecks CertificateChecks
	ServerFlags       ServerFlags
}

func (p *LoginParams) validate() error {
	if p == nil || p.Server == "" || p.User == "" || p.Password == "" {
		return ErrMissingLoginParams
	}

	return nil
}
