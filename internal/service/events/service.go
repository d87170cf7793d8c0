// Package events publishes deployment events to live subscribers, relaying
// them through Redis pub/sub when several API replicas share one ledger.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/settingsd/internal/domain"
	"github.com/splax/settingsd/internal/ws"
)

const publishTimeout = 500 * time.Millisecond

// Broadcaster delivers a payload to local subscribers of a topic.
type Broadcaster interface {
	Broadcast(topic string, payload []byte)
}

// Service implements the deployment event publisher.
type Service struct {
	hub     Broadcaster
	redis   *redis.Client
	channel string
	logger  *slog.Logger
}

// New constructs a publisher. With a nil redis client events only reach this
// process's subscribers.
func New(hub Broadcaster, client *redis.Client, channel string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if channel == "" {
		channel = "settingsd:deployments"
	}
	return &Service{hub: hub, redis: client, channel: channel, logger: logger.With("component", "events")}
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Publish sends event to every subscriber. Delivery is best effort.
func (s *Service) Publish(ctx context.Context, event domain.DeploymentEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("encode event failed", "kind", event.Kind, "error", err)
		return
	}
	if s.redis != nil {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		err := s.redis.Publish(pubCtx, s.channel, payload).Err()
		if err == nil {
			return
		}
		s.logger.Warn("redis publish failed, delivering locally", "kind", event.Kind, "error", err)
	}
	s.broadcast(payload)
}

// Run relays events published by any replica to local subscribers until ctx
// is cancelled. It returns immediately without Redis.
func (s *Service) Run(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	sub := s.redis.Subscribe(ctx, s.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	s.logger.Info("event relay subscribed", "channel", s.channel)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.broadcast([]byte(msg.Payload))
		}
	}
}

func (s *Service) broadcast(payload []byte) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(ws.TopicDeployments, payload)
}
