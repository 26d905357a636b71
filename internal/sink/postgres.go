package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/filterstream/stream"
)

const insertMessage = `
	INSERT INTO stream_messages (post_id, connection_id, received_at, matching_tags, payload)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (post_id) DO NOTHING`

// ArchivedMessage is a row of stream_messages
type ArchivedMessage struct {
	PostID       string         `db:"post_id" json:"post_id"`
	ConnectionID string         `db:"connection_id" json:"connection_id"`
	ReceivedAt   time.Time      `db:"received_at" json:"received_at"`
	MatchingTags pq.StringArray `db:"matching_tags" json:"matching_tags"`
	Payload      []byte         `db:"payload" json:"-"`
}

// Postgres archives posts; a post already stored is skipped
type Postgres struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgres archives into db, which must have the stream_messages table
func NewPostgres(db *sqlx.DB, timeout time.Duration) *Postgres {
	return &Postgres{db: db, timeout: timeout}
}

func (s *Postgres) Name() string { return "postgres" }

func (s *Postgres) Write(ctx context.Context, msg stream.Message) error {
	post, err := msg.Post()
	if err != nil {
		return fmt.Errorf("cannot archive payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, insertMessage,
		post.Data.ID, msg.ConnectionID, msg.ReceivedAt, pq.Array(post.Tags()), []byte(msg.Raw))
	if err != nil {
		return fmt.Errorf("failed to insert post %s: %w", post.Data.ID, err)
	}
	return nil
}

// Recent returns the newest archived posts
func (s *Postgres) Recent(ctx context.Context, limit int) ([]ArchivedMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []ArchivedMessage
	err := s.db.SelectContext(ctx, &rows, `
		SELECT post_id, connection_id, received_at, matching_tags, payload
		FROM stream_messages
		ORDER BY received_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived posts: %w", err)
	}
	return rows, nil
}
