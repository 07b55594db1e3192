// Package relay runs channel posts through translation, segmentation, media
// upload and thread publishing.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mikequentel/threadrelay/internal/markup"
	"github.com/mikequentel/threadrelay/internal/metrics"
	"github.com/mikequentel/threadrelay/internal/model"
	"github.com/mikequentel/threadrelay/internal/segment"
	"github.com/mikequentel/threadrelay/internal/thread"
)

// ErrIgnored marks posts that are dropped on purpose. It is not a failure.
var ErrIgnored = errors.New("post ignored")

// Ignore reasons, also used as metric labels.
const (
	ReasonChatMismatch = "chat_mismatch"
	ReasonNoText       = "no_text"
)

// Pipeline stages, also used as metric labels.
const (
	StageTranslate = "translate"
	StageSegment   = "segment"
	StageFetch     = "fetch_media"
	StageUpload    = "upload_media"
	StagePublish   = "publish"
)

// IgnoredError says why a post was dropped. It matches ErrIgnored.
type IgnoredError struct {
	Reason string
	Detail string
}

func (e *IgnoredError) Error() string {
	return fmt.Sprintf("post ignored (%s): %s", e.Reason, e.Detail)
}

func (e *IgnoredError) Is(target error) bool { return target == ErrIgnored }

// UpstreamError wraps a failed call to an external service.
type UpstreamError struct {
	Stage string
	Err   error
}

func (e *UpstreamError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *UpstreamError) Unwrap() error { return e.Err }

type Translator interface {
	TranslateAndTag(ctx context.Context, text string) (string, error)
}

// MediaFetcher resolves a photo reference and downloads it.
type MediaFetcher interface {
	Fetch(ctx context.Context, fileID string) ([]byte, string, error)
}

type MediaUploader interface {
	UploadMedia(ctx context.Context, data []byte, contentType string) (model.MediaHandle, error)
}

type Journal interface {
	RecordThread(ctx context.Context, post model.ChannelPost, thread []model.ThreadPost) error
}

// DefaultDrainTimeout is how long in-flight posts may keep publishing after
// Run's context ends.
const DefaultDrainTimeout = 30 * time.Second

// Deps are the collaborators of a Processor. Translator, Fetcher and Journal
// are optional.
type Deps struct {
	Translator Translator
	Fetcher    MediaFetcher
	Uploader   MediaUploader
	Poster     thread.Poster
	Journal    Journal
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// DrainTimeout bounds shutdown; zero means DefaultDrainTimeout.
	DrainTimeout time.Duration
}

type Processor struct {
	chatID    string
	limit     int
	deps      Deps
	publisher *thread.Publisher
	logger    *slog.Logger
}

// NewProcessor relays posts from chatID, splitting at limit characters.
func NewProcessor(chatID string, limit int, deps Deps) (*Processor, error) {
	if deps.Poster == nil {
		return nil, errors.New("relay: poster is required")
	}
	if deps.Fetcher != nil && deps.Uploader == nil {
		return nil, errors.New("relay: media fetcher needs an uploader")
	}
	if limit < 1 {
		return nil, fmt.Errorf("relay: %w: %d", segment.ErrInvalidLimit, limit)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.DrainTimeout <= 0 {
		deps.DrainTimeout = DefaultDrainTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		chatID:    chatID,
		limit:     limit,
		deps:      deps,
		publisher: thread.NewPublisher(deps.Poster, logger),
		logger:    logger,
	}, nil
}

// Handle processes one channel post end to end.
func (p *Processor) Handle(ctx context.Context, post model.ChannelPost) ([]model.ThreadPost, error) {
	m := p.deps.Metrics
	m.PostsReceived.Inc()
	log := p.logger.With("chat_id", post.ChatID, "message_id", post.MessageID)
	log.Info("received channel post")

	if err := p.filter(post); err != nil {
		var ie *IgnoredError
		if errors.As(err, &ie) {
			m.PostsIgnored.WithLabelValues(ie.Reason).Inc()
		}
		return nil, err
	}
	text := post.Body()
	log.Debug("processing channel post text", "text", text)

	if p.deps.Translator != nil {
		translated, err := p.deps.Translator.TranslateAndTag(ctx, text)
		if err != nil {
			return nil, p.fail(StageTranslate, err)
		}
		log.Info("generated translation and tags", "text", translated)
		text = translated
	}
	text = markup.StripHTML(text)

	segments, err := segment.Split(text, p.limit)
	if err != nil {
		m.Failures.WithLabelValues(StageSegment).Inc()
		return nil, err
	}
	if len(segments) == 0 {
		m.PostsIgnored.WithLabelValues(ReasonNoText).Inc()
		return nil, &IgnoredError{Reason: ReasonNoText, Detail: "nothing left to post after translation"}
	}
	log.Info("split channel post into segments", "count", len(segments))
	m.SegmentsPerThread.Observe(float64(len(segments)))

	media, err := p.uploadPhoto(ctx, post)
	if err != nil {
		return nil, err
	}

	posts, err := p.publisher.Publish(ctx, segments, media)
	m.SegmentsPublished.Add(float64(len(posts)))
	if err != nil {
		return posts, p.fail(StagePublish, err)
	}
	m.ThreadsPublished.Inc()
	log.Info("thread posted", "first_id", posts[0].ID, "posts", len(posts))

	if p.deps.Journal != nil {
		if err := p.deps.Journal.RecordThread(ctx, post, posts); err != nil {
			log.Warn("failed to record thread", "error", err)
		}
	}
	return posts, nil
}

func (p *Processor) filter(post model.ChannelPost) error {
	if post.ChatID != p.chatID {
		return &IgnoredError{Reason: ReasonChatMismatch, Detail: "chat " + post.ChatID + " is not the configured chat"}
	}
	if post.Body() == "" {
		return &IgnoredError{Reason: ReasonNoText, Detail: "post has neither text nor caption"}
	}
	return nil
}

func (p *Processor) uploadPhoto(ctx context.Context, post model.ChannelPost) (*model.MediaHandle, error) {
	fileID := post.LargestPhoto()
	if fileID == "" || p.deps.Fetcher == nil {
		return nil, nil
	}
	data, contentType, err := p.deps.Fetcher.Fetch(ctx, fileID)
	if err != nil {
		return nil, p.fail(StageFetch, err)
	}
	handle, err := p.deps.Uploader.UploadMedia(ctx, data, contentType)
	if err != nil {
		return nil, p.fail(StageUpload, err)
	}
	return &handle, nil
}

func (p *Processor) fail(stage string, err error) error {
	p.deps.Metrics.Failures.WithLabelValues(stage).Inc()
	return &UpstreamError{Stage: stage, Err: err}
}

// Run handles every post from events as its own task, at most maxConcurrent
// at a time. Per-post errors are logged and never stop the loop.
//
// Run returns nil once events is closed and every task has finished. When ctx
// ends it stops taking posts and returns ctx's error after in-flight posts
// finish, so a thread is not cut short. Tasks still running after the drain
// timeout are cancelled.
func (p *Processor) Run(ctx context.Context, events <-chan model.ChannelPost, maxConcurrent int) error {
	taskCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTasks()

	var slots chan struct{}
	if maxConcurrent > 0 {
		slots = make(chan struct{}, maxConcurrent)
	}
	var g errgroup.Group

	for {
		select {
		case <-ctx.Done():
			return p.drain(&g, cancelTasks, ctx.Err())
		case post, ok := <-events:
			if !ok {
				g.Wait()
				return nil
			}
			if slots != nil {
				select {
				case slots <- struct{}{}:
				case <-ctx.Done():
				}
			}
			if ctx.Err() != nil {
				p.logger.Warn("shutting down, channel post not processed", "message_id", post.MessageID)
				return p.drain(&g, cancelTasks, ctx.Err())
			}
			g.Go(func() error {
				if slots != nil {
					defer func() { <-slots }()
				}
				p.handleLogged(taskCtx, post)
				return nil
			})
		}
	}
}

// drain waits for in-flight tasks, cancelling them once the drain timeout passes.
func (p *Processor) drain(g *errgroup.Group, cancel context.CancelFunc, cause error) error {
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.deps.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.logger.Warn("drain timeout reached, cancelling in-flight posts", "timeout", p.deps.DrainTimeout)
		cancel()
		<-done
	}
	return cause
}

func (p *Processor) handleLogged(ctx context.Context, post model.ChannelPost) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing channel post", "message_id", post.MessageID, "panic", r)
		}
	}()

	_, err := p.Handle(ctx, post)
	log := p.logger.With("chat_id", post.ChatID, "message_id", post.MessageID)
	switch {
	case err == nil:
	case errors.Is(err, ErrIgnored):
		log.Info("channel post ignored", "reason", err.Error())
	case errors.Is(err, segment.ErrOverflow):
		log.Error("cannot split channel post", "error", err)
	default:
		var perr *thread.PartialError
		if errors.As(err, &perr) {
			log.Error("thread partially posted", "published", len(perr.Published), "error", err)
			return
		}
		log.Error("error processing channel post", "error", err)
	}
}
