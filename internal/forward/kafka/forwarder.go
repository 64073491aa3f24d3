package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"tracerelay/internal/domain"
	"tracerelay/internal/forward"
	"tracerelay/internal/logname"

	"github.com/twmb/franz-go/pkg/kgo"
)

type Config struct {
	Enabled  bool
	Brokers  []string
	Topic    string
	ClientID string
	TLS      TLSConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	return nil
}

// Forwarder produces one message per appended record, keyed by the
// destination's significant prefix so a topic partition preserves the
// append order of a single destination log.
type Forwarder struct {
	cfg    Config
	client *kgo.Client

	produce func(ctx context.Context, rec *kgo.Record) error
}

func NewForwarder(cfg Config, opts ...kgo.Opt) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	f := &Forwarder{cfg: cfg, client: cl}
	f.produce = func(ctx context.Context, rec *kgo.Record) error {
		return cl.ProduceSync(ctx, rec).FirstErr()
	}
	return f, nil
}

func (f *Forwarder) Name() string { return "kafka" }

func (f *Forwarder) Forward(ctx context.Context, destination string, rec domain.EventRecord) error {
	body, err := forward.MarshalRecord(destination, rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	msg := &kgo.Record{
		Topic: f.cfg.Topic,
		Key:   []byte(logname.SignificantPrefix(destination)),
		Value: body,
	}
	if err := f.produce(ctx, msg); err != nil {
		return fmt.Errorf("produce to %s: %w", f.cfg.Topic, err)
	}
	return nil
}

func (f *Forwarder) Close() error {
	if f.client != nil {
		f.client.Close()
	}
	return nil
}
