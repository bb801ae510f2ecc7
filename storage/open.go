package storage

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/go-redis/redis/v8"

	"ratewindow/backend"
)

// Open connects to the storage named by uri. The "async+" prefix is accepted
// and ignored: the same storage serves blocking and cooperative callers.
//
// Recognised options are ssl, ssl_cert_reqs, ssl_keyfile, ssl_certfile,
// ssl_ca_certs, use_replicas and sentinel_password.
func Open(ctx context.Context, uri string, opts backend.Options, sopts ...Option) (Storage, error) {
	uri = strings.TrimPrefix(uri, backend.AsyncPrefix)
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrInvalidURI, uri)
	}

	switch scheme {
	case "memory":
		return NewMemory(sopts...)
	case "redis", "rediss", "unix":
		ropts, err := redis.ParseURL(uri)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		if ropts.TLSConfig == nil {
			if ropts.TLSConfig, err = tlsConfig(opts); err != nil {
				return nil, err
			}
		}
		return openRedis(ctx, redis.NewClient(ropts), sopts)
	case "redis+cluster":
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		copts := &redis.ClusterOptions{Addrs: hosts(u)}
		copts.Username, copts.Password = credentials(u)
		if copts.TLSConfig, err = tlsConfig(opts); err != nil {
			return nil, err
		}
		return openRedis(ctx, redis.NewClusterClient(copts), sopts)
	case "redis+sentinel":
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		master := strings.Trim(u.Path, "/")
		if master == "" {
			return nil, fmt.Errorf("%w: sentinel uri %q names no master", ErrInvalidURI, uri)
		}
		fopts := &redis.FailoverOptions{
			MasterName:       master,
			SentinelAddrs:    hosts(u),
			SentinelPassword: opts.String("sentinel_password"),
		}
		fopts.Username, fopts.Password = credentials(u)
		if fopts.TLSConfig, err = tlsConfig(opts); err != nil {
			return nil, err
		}
		if opts.Bool("use_replicas") {
			fopts.RouteRandomly = true
			return openRedis(ctx, redis.NewFailoverClusterClient(fopts), sopts)
		}
		return openRedis(ctx, redis.NewFailoverClient(fopts), sopts)
	case "memcached", "mongodb", "mongodb+srv", "etcd":
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	default:
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrInvalidURI, scheme)
	}
}

func openRedis(ctx context.Context, client redis.UniversalClient, sopts []Option) (Storage, error) {
	r, err := NewRedis(ctx, client, sopts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	r.owned = true
	return r, nil
}

// hosts splits a comma-separated host list such as "a:1,b:2".
func hosts(u *url.URL) []string {
	var out []string
	for _, h := range strings.Split(u.Host, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

func credentials(u *url.URL) (string, string) {
	if u.User == nil {
		return "", ""
	}
	password, _ := u.User.Password()
	return u.User.Username(), password
}

func tlsConfig(opts backend.Options) (*tls.Config, error) {
	if !opts.Bool("ssl") {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.String("ssl_cert_reqs") == "none" {
		cfg.InsecureSkipVerify = true
	}

	certFile, keyFile := opts.String("ssl_certfile"), opts.String("ssl_keyfile")
	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if caFile := opts.String("ssl_ca_certs"); caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca certificates: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
