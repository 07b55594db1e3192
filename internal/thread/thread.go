// Package thread publishes segments as a reply chain.
package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mikequentel/threadrelay/internal/model"
)

// ErrNoSegments is returned when there is nothing to publish.
var ErrNoSegments = errors.New("no segments to publish")

// Poster publishes a single post and returns its id.
type Poster interface {
	Post(ctx context.Context, req model.PostRequest) (string, error)
}

// PartialError reports a thread that failed after some posts went out.
// Published posts stay published.
type PartialError struct {
	Published []model.ThreadPost
	Index     int // zero-based index of the segment that failed
	Err       error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("publish segment %d (after %d published): %v", e.Index+1, len(e.Published), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

type Publisher struct {
	poster Poster
	logger *slog.Logger
}

func NewPublisher(poster Poster, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{poster: poster, logger: logger}
}

// Publish posts segments in order. Each post after the first replies to the
// one before it; media is attached to the first post only.
func (p *Publisher) Publish(ctx context.Context, segments []string, media *model.MediaHandle) ([]model.ThreadPost, error) {
	if len(segments) == 0 {
		return nil, ErrNoSegments
	}

	posts := make([]model.ThreadPost, 0, len(segments))
	replyTo := ""
	for i, text := range segments {
		req := model.PostRequest{Text: text, ReplyTo: replyTo}
		if i == 0 {
			req.Media = media
		}
		id, err := p.poster.Post(ctx, req)
		if err != nil {
			return posts, &PartialError{Published: posts, Index: i, Err: err}
		}
		posts = append(posts, model.ThreadPost{ID: id, Text: text, ReplyTo: replyTo, Media: req.Media})
		p.logger.Debug("posted segment", "index", i+1, "of", len(segments), "id", id, "reply_to", replyTo)
		replyTo = id
	}
	return posts, nil
}
