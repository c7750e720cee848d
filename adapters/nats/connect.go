package nats

import (
	"fmt"
	"sync"

	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/escore/internal/config"
)

type closeFunc = func()

// Connector opens a NATS connection. The returned close func releases it.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ReuseConnection shares one connection between all callers of the returned
// Connector. It is closed when the last lease is released and reopened on
// the next call.
func ReuseConnection(connect Connector) Connector {
	var (
		mu       sync.Mutex
		nc       *natsgo.Conn
		closeCon closeFunc
		leased   int
	)
	release := func() {
		mu.Lock()
		defer mu.Unlock()
		leased--
		if leased == 0 && nc != nil {
			closeCon()
			nc = nil
		}
	}
	return func() (*natsgo.Conn, closeFunc, error) {
		mu.Lock()
		defer mu.Unlock()
		if nc == nil {
			var err error
			nc, closeCon, err = connect()
			if err != nil {
				return nil, nil, err
			}
		}
		leased++
		var once sync.Once
		return nc, func() { once.Do(release) }, nil
	}
}

// ConnectURL connects to natsURL, reconnecting forever by default so that
// subscriptions survive server restarts.
func ConnectURL(natsURL string, opts ...natsgo.Option) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(natsURL, append([]natsgo.Option{natsgo.MaxReconnects(-1)}, opts...)...)
		if err != nil {
			return nil, nil, fmt.Errorf("connect %s: %w", natsURL, err)
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectConfig connects as described by cfg.
func ConnectConfig(cfg config.NATS) Connector {
	return ConnectURL(
		cfg.URL,
		natsgo.Name(cfg.Name),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
	)
}

// ConnectDefault connects using the NATS_* environment variables.
func ConnectDefault() Connector {
	var cfg config.NATS
	if err := config.ParseEnv(&cfg); err != nil {
		return func() (*natsgo.Conn, closeFunc, error) { return nil, nil, err }
	}
	return ConnectConfig(cfg)
}
