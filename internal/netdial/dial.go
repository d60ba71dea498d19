// Package netdial establishes TCP connections with a persistent DNS
// resolution cache as fallback for unreliable resolvers.
package netdial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/fho/mailsyncd/internal/log"
)

// CacheMaxAge is the max. age of cached DNS results that are used as
// connection candidates.
const CacheMaxAge = 30 * 24 * time.Hour

// DNSCache persists resolved addresses.
type DNSCache interface {
	UpsertDNSCache(ctx context.Context, hostname string, port uint16, address string, ts int64) error
	LookupDNSCache(ctx context.Context, hostname string, port uint16, notBefore int64) ([]string, error)
}

type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type Dialer struct {
	Cache    DNSCache
	Resolver Resolver
	Logger   *slog.Logger
	// Now returns the current time, defaults to [time.Now].
	Now func() time.Time

	dialContext func(ctx context.Context, network, address string) (net.Conn, error)
}

func NewDialer(cache DNSCache, logger *slog.Logger) *Dialer {
	return &Dialer{
		Cache:    cache,
		Resolver: net.DefaultResolver,
		Logger:   log.SloggerWithGroup(logger, "netdial"),
	}
}

func (d *Dialer) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

func (d *Dialer) resolver() Resolver {
	if d.Resolver == nil {
		return net.DefaultResolver
	}
	return d.Resolver
}

func (d *Dialer) logger() *slog.Logger {
	return log.EnsureLoggerInstance(d.Logger)
}

// lookupHostWithCache resolves host and records every result in the cache.
// The timestamp of each result is offset by its position, to preserve the
// resolver ordering when the cache is read back.
// If useCache is true, cached addresses not older than [CacheMaxAge] are
// appended to the result, most recent first.
func (d *Dialer) lookupHostWithCache(ctx context.Context, host string, port uint16, useCache bool) ([]string, error) {
	now := d.now().Unix()
	logger := d.logger().With("host", host, "port", port)

	var result []string

	ips, lookupErr := d.resolver().LookupHost(ctx, host)
	if lookupErr != nil {
		logger.Warn("resolving host failed", "error", lookupErr, "event", "net.dns_lookup_failed")
	}

	for i, ip := range ips {
		addr := net.JoinHostPort(ip, strconv.Itoa(int(port)))
		logger.Info("resolved host", "address", addr, "event", "net.dns_resolved")

		result = append(result, addr)

		if d.Cache == nil {
			continue
		}

		if err := d.Cache.UpsertDNSCache(ctx, host, port, addr, now+int64(i)); err != nil {
			return nil, err
		}
	}

	if useCache && d.Cache != nil {
		cached, err := d.Cache.LookupDNSCache(ctx, host, port, now-int64(CacheMaxAge/time.Second))
		if err != nil {
			return nil, err
		}

		for _, addr := range cached {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				logger.Warn("ignoring unparsable cached address", "address", addr, "error", err)
				continue
			}

			if !slices.Contains(result, addr) {
				result = append(result, addr)
			}
		}
	}

	if len(result) == 0 {
		if lookupErr != nil {
			return nil, lookupErr
		}
		return nil, fmt.Errorf("no addresses found for %s", host)
	}

	return result, nil
}

// ConnectTCP establishes a TCP connection to host:port.
// All addresses host resolves to are tried in order until a connection
// succeeds. If useCache is true, previously resolved addresses are tried
// afterwards. Use it only when the connection is protected by TLS.
//
// timeout applies to every connection attempt. The returned connection has
// TCP_NODELAY enabled and applies timeout as read and write timeout, until
// the caller sets its own deadlines.
func (d *Dialer) ConnectTCP(ctx context.Context, host string, port uint16, timeout time.Duration, useCache bool) (net.Conn, error) {
	logger := d.logger()

	addrs, err := d.lookupHostWithCache(ctx, host, port, useCache)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s:%d: %w", host, port, err)
	}

	dial := d.dialContext
	if dial == nil {
		dialer := net.Dialer{Timeout: timeout}
		dial = dialer.DialContext
	}

	var errs []error
	for _, addr := range addrs {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := dial(dialCtx, "tcp", addr)
		cancel()
		if err != nil {
			logger.Warn("connecting failed", "address", addr, "error", err, "event", "net.connect_failed")
			errs = append(errs, err)
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := tcpConn.SetNoDelay(true); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("disabling nagle's algorithm failed: %w", err)
			}
		}

		logger.Debug("connection established", "address", addr, "event", "net.connected")

		return newTimeoutConn(conn, timeout), nil
	}

	return nil, fmt.Errorf("failed to connect to %s:%d: %w", host, port, errors.Join(errs...))
}
