package pubsub

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisBuffer = 16

// RedisOptions locates the Redis server backing the event channel.
type RedisOptions struct {
	Host     string
	Port     int
	DB       int
	Password string
}

// Addr returns host:port.
func (o RedisOptions) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Redis is the Redis backend. Payloads travel as JSON, so listeners receive
// decoded JSON values (maps, slices, strings, float64s) rather than the
// publisher's Go types.
type Redis struct {
	client *redis.Client
	logger *logrus.Entry

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

var _ PubSub = (*Redis)(nil)

// NewRedis connects to the server described by opts.
func NewRedis(opts RedisOptions, logger *logrus.Entry) *Redis {
	return NewRedisFromClient(redis.NewClient(&redis.Options{
		Addr:     opts.Addr(),
		DB:       opts.DB,
		Password: opts.Password,
	}), logger)
}

// NewRedisFromClient wraps an existing client. Close closes the client.
func NewRedisFromClient(client *redis.Client, logger *logrus.Entry) *Redis {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Redis{
		client: client,
		logger: logger.WithField("backend", "redis"),
		subs:   make(map[*subscription]struct{}),
	}
}

// SetRedisLogger routes the go-redis client's internal messages to logger at
// debug level. The setting is process wide.
func SetRedisLogger(logger *logrus.Entry) {
	redis.SetLogger(redisLogger{logger.WithField("backend", "redis")})
}

type redisLogger struct {
	entry *logrus.Entry
}

func (l redisLogger) Printf(ctx context.Context, format string, v ...any) {
	l.entry.WithContext(ctx).Debugf(strings.TrimPrefix(format, "redis: "), v...)
}

// Ping checks that the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return errors.Annotate(r.client.Ping(ctx).Err(), "pinging redis")
}

func (r *Redis) Publish(ctx context.Context, topic string, payload any) error {
	if r.isClosed() {
		return errors.Trace(ErrClosed)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Annotatef(err, "encoding payload for %q", topic)
	}
	if err := r.client.Publish(ctx, topic, data).Err(); err != nil {
		return errors.Annotatef(err, "publishing to %q", topic)
	}
	return nil
}

// Subscribe registers a listener on topic and waits for the server to
// confirm it, so payloads published after Subscribe returns are observed.
// The first receive failure ends the subscription with that error.
func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if r.isClosed() {
		return nil, errors.Trace(ErrClosed)
	}
	ps := r.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Annotatef(err, "subscribing to %q", topic)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := newSubscription(topic, redisBuffer)
	sub.unsub = func() {
		cancel()
		if err := ps.Close(); err != nil {
			r.logger.WithError(err).WithField("topic", topic).Debug("closing redis subscription")
		}
		r.mu.Lock()
		delete(r.subs, sub)
		r.mu.Unlock()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.Close()
		return nil, errors.Trace(ErrClosed)
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go r.receive(loopCtx, ps, sub)
	return sub, nil
}

func (r *Redis) receive(ctx context.Context, ps *redis.PubSub, sub *subscription) {
	log := r.logger.WithField("topic", sub.topic)
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if sub.ended() {
				return
			}
			log.WithError(err).Warn("redis subscription failed")
			sub.fail(errors.Annotatef(err, "receiving from %q", sub.topic))
			return
		}
		var payload any
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			log.WithError(err).Warn("dropping undecodable payload")
			continue
		}
		if !sub.deliver(Message{Topic: msg.Channel, Payload: payload}) {
			return
		}
	}
}

// Close ends every open subscription with ErrClosed and closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	open := make([]*subscription, 0, len(r.subs))
	for sub := range r.subs {
		open = append(open, sub)
	}
	r.mu.Unlock()

	for _, sub := range open {
		sub.fail(ErrClosed)
	}
	return errors.Trace(r.client.Close())
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
