package sink

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/sawpanic/filterstream/stream"
)

// RedisConfig selects the Redis destinations. Either may be empty.
type RedisConfig struct {
	Channel string        // PUBLISH target
	List    string        // LPUSH target, newest first
	ListMax int64         // Cap on List length; 0 keeps everything
	Timeout time.Duration // Per write
}

// Redis publishes payloads and optionally keeps a capped history list
type Redis struct {
	r      redis.UniversalClient
	config RedisConfig
}

// NewRedis uses an existing client; the sink owns it afterwards
func NewRedis(r redis.UniversalClient, config RedisConfig) *Redis {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	return &Redis{r: r, config: config}
}

func (s *Redis) Name() string { return "redis" }

func (s *Redis) Write(ctx context.Context, msg stream.Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	payload := string(msg.Raw)
	if s.config.Channel != "" {
		if err := s.r.Publish(ctx, s.config.Channel, payload).Err(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", s.config.Channel, err)
		}
	}
	if s.config.List == "" {
		return nil
	}
	if err := s.r.LPush(ctx, s.config.List, payload).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", s.config.List, err)
	}
	if s.config.ListMax > 0 {
		if err := s.r.LTrim(ctx, s.config.List, 0, s.config.ListMax-1).Err(); err != nil {
			return fmt.Errorf("failed to trim %s: %w", s.config.List, err)
		}
	}
	return nil
}

func (s *Redis) Close() error { return s.r.Close() }
