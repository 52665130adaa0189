package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const subjectPrefix = "renderq.cache."

// NATSConfig configures the distributed backend.
type NATSConfig struct {
	URL    string
	Bucket string
	TTL    time.Duration
}

// NATS is the distributed Store backend: values live in a JetStream KV bucket
// with a deployment-configured TTL, signals travel over core NATS subjects.
// Correct across processes at the cost of JSON round trips on every call.
type NATS struct {
	nc *nats.Conn
	kv jetstream.KeyValue
}

// NewNATS connects and ensures the KV bucket exists.
func NewNATS(ctx context.Context, cfg NATSConfig) (*NATS, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "renderq-cache"
	}
	nc, err := nats.Connect(
		cfg.URL,
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("cache: nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("cache: nats reconnected to %s", nc.ConnectedUrl())
		}),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats at %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: cfg.Bucket,
		TTL:    cfg.TTL,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure kv bucket %s: %w", cfg.Bucket, err)
	}
	return &NATS{nc: nc, kv: kv}, nil
}

func kvKey(category, id string) string { return category + "." + id }

func (n *NATS) Set(ctx context.Context, category, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache set %s/%s: %w", category, id, err)
	}
	if _, err := n.kv.Put(ctx, kvKey(category, id), data); err != nil {
		return fmt.Errorf("cache set %s/%s: %w", category, id, err)
	}
	// Publishes are fire-and-forget; a dead subscriber never fails the caller.
	if err := n.nc.Publish(subjectPrefix+category+"."+id, data); err != nil {
		log.Printf("cache: publish key signal %s/%s: %v", category, id, err)
	}
	env, err := json.Marshal(categoryEvent{ID: id, Value: data})
	if err != nil {
		log.Printf("cache: marshal category signal %s/%s: %v", category, id, err)
		return nil
	}
	if err := n.nc.Publish(subjectPrefix+category, env); err != nil {
		log.Printf("cache: publish category signal %s: %v", category, err)
	}
	return nil
}

func (n *NATS) Get(ctx context.Context, category, id string, out any) error {
	entry, err := n.kv.Get(ctx, kvKey(category, id))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrCacheMiss
		}
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(entry.Value(), out)
}

func (n *NATS) On(category, id string, fn Handler) (cancel func()) {
	sub, err := n.nc.Subscribe(subjectPrefix+category+"."+id, func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		log.Printf("cache: subscribe %s/%s: %v", category, id, err)
		return func() {}
	}
	var once sync.Once
	return func() {
		once.Do(func() { _ = sub.Unsubscribe() })
	}
}

func (n *NATS) OnCategory(category string, fn CategoryHandler) (cancel func()) {
	sub, err := n.nc.Subscribe(subjectPrefix+category, func(msg *nats.Msg) {
		var env categoryEvent
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("cache: bad category envelope on %s: %v", category, err)
			return
		}
		fn(env.ID, env.Value)
	})
	if err != nil {
		log.Printf("cache: subscribe category %s: %v", category, err)
		return func() {}
	}
	var once sync.Once
	return func() {
		once.Do(func() { _ = sub.Unsubscribe() })
	}
}

func (n *NATS) Close() error {
	if n.nc != nil && !n.nc.IsClosed() {
		n.nc.Close()
	}
	return nil
}
