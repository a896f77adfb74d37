package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig configures the NATS publisher. Embedded starts an in-process
// server on a random local port, for development and single-node setups.
type NATSConfig struct {
	URL           string `koanf:"url"`
	Embedded      bool   `koanf:"embedded"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// NATSPublisher publishes events as JSON messages on core NATS.
type NATSPublisher struct {
	nc     *nats.Conn
	srv    *natsserver.Server
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher connects to cfg.URL, or to an embedded server.
func NewNATSPublisher(cfg NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	url := cfg.URL
	var srv *natsserver.Server
	if cfg.Embedded {
		var err error
		if srv, err = startEmbedded(); err != nil {
			return nil, err
		}
		url = srv.ClientURL()
		logger.Warn("using embedded nats, events are only visible in-process", zap.String("url", url))
	}
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url,
		nats.Name("corpusd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		if srv != nil {
			srv.Shutdown()
		}
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	logger.Info("events publisher ready", zap.String("url", url), zap.String("subject_prefix", prefix))
	return &NATSPublisher{nc: nc, srv: srv, prefix: prefix, logger: logger}, nil
}

func startEmbedded() (*natsserver.Server, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   natsserver.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("starting embedded nats: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats not ready")
	}
	return srv, nil
}

// Publish sends e. It does not wait for subscribers.
func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(e.Subject(p.prefix), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Kind, err)
	}
	return nil
}

// URL is the server the publisher is connected to.
func (p *NATSPublisher) URL() string { return p.nc.ConnectedUrl() }

// Close flushes pending messages and closes the connection, then stops the
// embedded server if there is one.
func (p *NATSPublisher) Close() error {
	var err error
	if p.nc.IsConnected() {
		err = p.nc.FlushTimeout(2 * time.Second)
	}
	p.nc.Close()
	if p.srv != nil {
		p.srv.Shutdown()
		p.srv.WaitForShutdown()
	}
	return err
}

var _ Publisher = (*NATSPublisher)(nil)
