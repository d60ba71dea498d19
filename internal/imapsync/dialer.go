package imapsync

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/fho/mailsyncd/internal/imapsess"
)

const DefaultConnectTimeout = 60 * time.Second

// NetSessionDialer establishes sessions with [imapsess.Dial].
type NetSessionDialer struct {
	TCPDialer imapsess.TCPDialer
	Timeout   time.Duration
	// UseDNSCache enables connecting to cached addresses of the server.
	// The cache is only used for connections with verified TLS
	// certificates.
	UseDNSCache bool
	LogIMAPData bool
	// DryRun simulates commands that modify the mailboxes, see
	// [imapsess.DrySession].
	DryRun bool
	Logger *slog.Logger
}

func (d *NetSessionDialer) Dial(ctx context.Context, params *LoginParams) (imapsess.Session, io.Closer, error) {
	cfg := d.dialConfig(params)

	clt, err := imapsess.Dial(ctx, d.TCPDialer, cfg)
	if err != nil {
		return nil, nil, err
	}

	if d.DryRun {
		return imapsess.NewDrySession(clt, d.Logger), clt.Transport(), nil
	}

	return clt, clt.Transport(), nil
}

func (d *NetSessionDialer) dialConfig(params *LoginParams) *imapsess.DialConfig {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	security := imapsess.SecurityTLS
	switch {
	case params.ServerFlags.Has(FlagSocketStartTLS):
		security = imapsess.SecurityStartTLS
	case params.ServerFlags.Has(FlagSocketPlain):
		security = imapsess.SecurityPlain
	}

	insecure := params.CertificateChecks == CertificateChecksAcceptInvalid

	return &imapsess.DialConfig{
		Host:               params.Server,
		Port:               params.Port,
		Security:           security,
		InsecureSkipVerify: insecure,
		Timeout:            timeout,
		UseDNSCache:        d.UseDNSCache && security != imapsess.SecurityPlain && !insecure,
		LogIMAPData:        d.LogIMAPData,
		Logger:             d.Logger,
	}
}
