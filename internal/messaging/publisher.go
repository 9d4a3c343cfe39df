package messaging

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"threatwatch-service/internal/config"
)

// Publisher mirrors live events onto a NATS subject so that other
// instances and downstream consumers see the same alerts.
type Publisher struct {
	conn    *nats.Conn
	subject string
	log     zerolog.Logger
}

func NewPublisher(cfg config.NATSConfig, log zerolog.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("threatwatch"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}

	log.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("NATS connection established")

	return &Publisher{conn: conn, subject: cfg.Subject, log: log}, nil
}

// PublishRaw publishes an already encoded event.
func (p *Publisher) PublishRaw(data []byte) error {
	return p.conn.Publish(p.subject, data)
}

func (p *Publisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

func (p *Publisher) Shutdown(_ context.Context) error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.log.Warn().Err(err).Msg("failed to drain NATS connection, closing")
		p.conn.Close()
	}
	return nil
}
