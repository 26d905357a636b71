package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Handler receives payload messages in arrival order. The supervisor waits
// for it to return before reading the next line.
type Handler func(ctx context.Context, msg Message) error

// Message is one payload line delivered by the stream
type Message struct {
	Raw          json.RawMessage `json:"raw"`
	ConnectionID string          `json:"connection_id"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// Decode unmarshals the payload into v
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return fmt.Errorf("failed to decode stream message: %w", err)
	}
	return nil
}

// Post is the filtered-stream envelope of a matched post
type Post struct {
	Data          PostData        `json:"data"`
	Includes      json.RawMessage `json:"includes,omitempty"`
	MatchingRules []MatchingRule  `json:"matching_rules,omitempty"`
}

// PostData holds the matched post itself
type PostData struct {
	ID             string     `json:"id"`
	Text           string     `json:"text"`
	AuthorID       string     `json:"author_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Lang           string     `json:"lang,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
}

// MatchingRule identifies the filter rule that selected a post
type MatchingRule struct {
	ID  string `json:"id"`
	Tag string `json:"tag,omitempty"`
}

// Post decodes the payload as a filtered-stream post envelope
func (m Message) Post() (*Post, error) {
	var p Post
	if err := m.Decode(&p); err != nil {
		return nil, err
	}
	if p.Data.ID == "" {
		return nil, fmt.Errorf("stream message has no post id")
	}
	return &p, nil
}

// Tags returns the tags of the rules that matched the post
func (p *Post) Tags() []string {
	tags := make([]string, 0, len(p.MatchingRules))
	for _, r := range p.MatchingRules {
		if r.Tag != "" {
			tags = append(tags, r.Tag)
		}
	}
	return tags
}
