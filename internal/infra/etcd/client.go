package etcd

import (
	"crypto/tls"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ClientOptions carries the connection settings for the shared etcd store.
type ClientOptions struct {
	Endpoints   []string
	DialTimeout time.Duration

	// InsecureSkipTLSVerify accepts server certificates that cannot be
	// chain-validated. Managed etcd offerings sometimes present such
	// certs; enabling this is a documented trust relaxation for those
	// deployments only, never a general policy.
	InsecureSkipTLSVerify bool
}

// NewClient opens a session to the etcd store. The client multiplexes
// concurrent requests over one connection, so a single instance is shared
// by every component that talks to the broker.
func NewClient(opts ClientOptions) (*clientv3.Client, error) {
	cfg := clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
	}
	if opts.InsecureSkipTLSVerify {
		cfg.TLS = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // managed-deployment trust relaxation, opt-in via config
	}
	return clientv3.New(cfg)
}
