package imapsess

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/fho/mailsyncd/internal/log"
)

// Security is the transport security of an IMAP connection.
type Security int

const (
	// SecurityTLS establishes an implicit TLS connection.
	SecurityTLS Security = iota
	SecurityStartTLS
	SecurityPlain
)

func (s Security) String() string {
	switch s {
	case SecurityTLS:
		return "tls"
	case SecurityStartTLS:
		return "starttls"
	case SecurityPlain:
		return "plain"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// TCPDialer establishes TCP connections.
// It is implemented by [netdial.Dialer].
type TCPDialer interface {
	ConnectTCP(ctx context.Context, host string, port uint16, timeout time.Duration, useCache bool) (net.Conn, error)
}

type DialConfig struct {
	Host     string
	Port     uint16
	Security Security
	// InsecureSkipVerify disables the verification of the server
	// certificate.
	InsecureSkipVerify bool
	Timeout            time.Duration
	// UseDNSCache allows connecting to previously resolved addresses of
	// Host, when resolving fails or all current addresses are unreachable.
	UseDNSCache bool
	LogIMAPData bool
	Logger      *slog.Logger
}

// Dial connects to the IMAP server and waits for its greeting.
// The returned session is not authenticated.
func Dial(ctx context.Context, dialer TCPDialer, cfg *DialConfig) (*Client, error) {
	result := &Client{logger: log.SloggerWithGroup(cfg.Logger, "imapsess")}

	logger := result.logger.With(
		"server", net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		"tlsmode", cfg.Security,
		"timeout", cfg.Timeout,
	)

	opts := imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: result.mailboxUpdateHandler,
			Expunge: result.expungeHandler,
		},
	}
	if cfg.LogIMAPData {
		opts.DebugWriter = NewDebugWriter(result.logger)
	}

	tlsCfg := &tls.Config{
		ServerName: cfg.Host,
		NextProtos: []string{"imap"},
		// #nosec G402 -- only enabled when configured explicitly
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	logger.Debug("connecting to imap server")

	conn, err := dialer.ConnectTCP(ctx, cfg.Host, cfg.Port, cfg.Timeout, cfg.UseDNSCache)
	if err != nil {
		return nil, err
	}

	switch cfg.Security {
	case SecurityTLS:
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("tls handshake failed: %w", err)
		}
		result.conn = tlsConn
		result.clt = imapclient.New(tlsConn, &opts)

	case SecurityStartTLS:
		opts.TLSConfig = tlsCfg
		clt, err := imapclient.NewStartTLS(conn, &opts)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("starttls failed: %w", err)
		}
		result.conn = conn
		result.clt = clt

	case SecurityPlain:
		logger.Warn("connecting without encryption")
		result.conn = conn
		result.clt = imapclient.New(conn, &opts)

	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unsupported security mode: %s", cfg.Security)
	}

	if err := result.clt.WaitGreeting(); err != nil {
		return nil, errors.Join(
			fmt.Errorf("waiting for server greeting failed: %w", err),
			result.clt.Close(),
		)
	}

	logger.Info("connection established", "event", "imap.connection_established")

	return result, nil
}
