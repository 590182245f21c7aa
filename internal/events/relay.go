package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"school-biometric-core/internal/logging"
)

const relayChannelPrefix = "biocore:events:"

// RelayConfig holds Redis connection settings for the cross-instance relay
type RelayConfig struct {
	Addr     string
	Password string
	DB       int
}

// Relay mirrors events between instances through Redis pub/sub. Each
// school's events travel on their own channel, so instances only receive
// traffic for schools they subscribe to.
type Relay struct {
	client      *redis.Client
	broadcaster *Broadcaster
	logger      *logrus.Entry
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewRelay connects to Redis and wires the broadcaster's published events
// onto the relay channel
func NewRelay(cfg RelayConfig, broadcaster *Broadcaster, logger *logrus.Logger) (*Relay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r := &Relay{
		client:      client,
		broadcaster: broadcaster,
		logger:      logging.NewComponentLogger(logger, "event_relay"),
		done:        make(chan struct{}),
	}

	broadcaster.AddSink(r.publish)
	return r, nil
}

// ChannelFor returns the relay channel name for one school
func ChannelFor(schoolID string) string {
	return relayChannelPrefix + schoolID
}

func (r *Relay) publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.WithError(err).Error("Failed to marshal event for relay")
		return
	}

	if err := r.client.Publish(context.Background(), ChannelFor(event.SchoolID), data).Err(); err != nil {
		r.logger.WithError(err).WithField("event_type", event.Type).Warn("Failed to relay event")
	}
}

// Start subscribes to every school's relay channel and injects received
// events into the local broadcaster until ctx is cancelled
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	pubsub := r.client.PSubscribe(ctx, relayChannelPrefix+"*")

	go func() {
		defer close(r.done)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					r.logger.WithError(err).Warn("Failed to parse relayed event")
					continue
				}
				r.broadcaster.Inject(event)
			}
		}
	}()

	r.logger.Info("Event relay started")
}

// Stop tears down the subscription and closes the Redis client
func (r *Relay) Stop() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	return r.client.Close()
}
