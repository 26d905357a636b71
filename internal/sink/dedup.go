package sink

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/filterstream/data/cache"
	"github.com/sawpanic/filterstream/stream"
)

// Dedup drops posts that were already delivered, typically replays after a
// reconnect. Payloads without a post id pass through. A cache failure lets
// the message through, and a failed delivery clears the mark.
type Dedup struct {
	next    Sink
	cache   cache.Cache
	ttl     time.Duration
	dropped atomic.Uint64
}

// NewDedup wraps next
func NewDedup(next Sink, c cache.Cache, ttl time.Duration) *Dedup {
	return &Dedup{next: next, cache: c, ttl: ttl}
}

func (d *Dedup) Name() string { return d.next.Name() }

func (d *Dedup) Write(ctx context.Context, msg stream.Message) error {
	post, err := msg.Post()
	if err != nil {
		return d.next.Write(ctx, msg)
	}

	seen, err := d.cache.SeenBefore(ctx, post.Data.ID, d.ttl)
	if err != nil {
		log.Warn().Err(err).Str("post_id", post.Data.ID).Msg("Dedup cache unavailable, delivering")
		return d.next.Write(ctx, msg)
	}
	if seen {
		d.dropped.Add(1)
		log.Debug().Str("post_id", post.Data.ID).Str("connection_id", msg.ConnectionID).Msg("Dropped duplicate post")
		return nil
	}

	if err := d.next.Write(ctx, msg); err != nil {
		// Undelivered posts must stay eligible for the replay
		if ferr := d.cache.Forget(ctx, post.Data.ID); ferr != nil {
			log.Warn().Err(ferr).Str("post_id", post.Data.ID).Msg("Failed to clear dedup mark")
		}
		return err
	}
	return nil
}

// Dropped returns how many duplicates were suppressed
func (d *Dedup) Dropped() uint64 { return d.dropped.Load() }

// Close releases the cache and the wrapped sink
func (d *Dedup) Close() error {
	err := d.cache.Close()
	if c, ok := d.next.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
