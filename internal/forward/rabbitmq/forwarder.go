package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"tracerelay/internal/domain"
	"tracerelay/internal/forward"
	"tracerelay/internal/logname"

	"github.com/rabbitmq/amqp091-go"
)

type Config struct {
	Enabled    bool
	URL        string
	Exchange   string
	RoutingKey string
	TLS        TLSConfig
	Auth       AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("rabbitmq.url is required")
	}
	if c.Exchange == "" {
		return errors.New("rabbitmq.exchange is required")
	}
	return nil
}

// Forwarder publishes one message per appended record to a topic
// exchange. The routing key defaults to the destination's significant
// prefix so consumers can bind per destination log.
type Forwarder struct {
	cfg  Config
	conn *amqp091.Connection
	ch   *amqp091.Channel

	publish func(ctx context.Context, routingKey string, body []byte) error
}

func NewForwarder(cfg Config) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Forwarder{cfg: cfg}, nil
}

// Open dials the broker and declares the exchange. It must be called
// before Forward.
func (f *Forwarder) Open() error {
	dialCfg := amqp091.Config{}
	if f.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: f.cfg.Auth.Username, Password: f.cfg.Auth.Password}}
	}
	if tlsCfg, err := f.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(strings.TrimSpace(f.cfg.URL), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(f.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	f.conn, f.ch = conn, ch
	f.publish = func(ctx context.Context, routingKey string, body []byte) error {
		return ch.PublishWithContext(ctx, f.cfg.Exchange, routingKey, false, false, amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now().UTC(),
			Body:        body,
		})
	}
	return nil
}

func (f *Forwarder) Name() string { return "rabbitmq" }

func (f *Forwarder) Forward(ctx context.Context, destination string, rec domain.EventRecord) error {
	if f.publish == nil {
		return errors.New("forwarder not opened")
	}
	body, err := forward.MarshalRecord(destination, rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	key := f.cfg.RoutingKey
	if key == "" {
		key = logname.SignificantPrefix(destination)
	}
	if err := f.publish(ctx, key, body); err != nil {
		return fmt.Errorf("publish to %s: %w", f.cfg.Exchange, err)
	}
	return nil
}

func (f *Forwarder) Close() error {
	var errs []error
	if f.ch != nil {
		if err := f.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if f.conn != nil {
		if err := f.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Forwarder) buildTLSConfig() (*tls.Config, error) {
	if !f.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: f.cfg.TLS.InsecureSkipVerify, ServerName: f.cfg.TLS.ServerName}
	if f.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(f.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if f.cfg.TLS.CertFile != "" || f.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(f.cfg.TLS.CertFile, f.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
