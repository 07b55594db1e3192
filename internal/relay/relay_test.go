package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikequentel/threadrelay/internal/logging"
	"github.com/mikequentel/threadrelay/internal/metrics"
	"github.com/mikequentel/threadrelay/internal/model"
	"github.com/mikequentel/threadrelay/internal/segment"
	"github.com/mikequentel/threadrelay/internal/thread"
)

const chatID = "-100777"

type fakeTranslator struct {
	out   string
	err   error
	calls int
}

func (f *fakeTranslator) TranslateAndTag(_ context.Context, text string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.out != "" {
		return f.out, nil
	}
	return text + " #tag", nil
}

type fakeFetcher struct {
	err   error
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, fileID string) ([]byte, string, error) {
	f.calls = append(f.calls, fileID)
	if f.err != nil {
		return nil, "", f.err
	}
	return []byte("img:" + fileID), "image/jpeg", nil
}

type fakeX struct {
	mu        sync.Mutex
	uploads   []string
	posts     []model.PostRequest
	failPost  int // 1-based index of the post that fails; 0 never
	uploadErr error
}

func (f *fakeX) UploadMedia(_ context.Context, data []byte, contentType string) (model.MediaHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, string(data)+"|"+contentType)
	return model.MediaHandle(fmt.Sprintf("media-%d", len(f.uploads))), nil
}

func (f *fakeX) Post(_ context.Context, req model.PostRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, req)
	if f.failPost == len(f.posts) {
		return "", errors.New("503 service unavailable")
	}
	return fmt.Sprintf("tweet-%d", len(f.posts)), nil
}

type fakeJournal struct {
	err     error
	threads [][]model.ThreadPost
}

func (f *fakeJournal) RecordThread(_ context.Context, _ model.ChannelPost, t []model.ThreadPost) error {
	f.threads = append(f.threads, t)
	return f.err
}

type harness struct {
	tr      *fakeTranslator
	fetcher *fakeFetcher
	x       *fakeX
	journal *fakeJournal
	metrics *metrics.Metrics
	proc    *Processor
}

func newHarness(t *testing.T, limit int) *harness {
	t.Helper()
	h := &harness{
		tr:      &fakeTranslator{},
		fetcher: &fakeFetcher{},
		x:       &fakeX{},
		journal: &fakeJournal{},
		metrics: metrics.New(),
	}
	proc, err := NewProcessor(chatID, limit, Deps{
		Translator: h.tr,
		Fetcher:    h.fetcher,
		Uploader:   h.x,
		Poster:     h.x,
		Journal:    h.journal,
		Metrics:    h.metrics,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	h.proc = proc
	return h
}

func TestHandle_TextPost(t *testing.T) {
	h := newHarness(t, segment.DefaultLimit)

	posts, err := h.proc.Handle(context.Background(), model.ChannelPost{ChatID: chatID, MessageID: 1, Text: "Hello"})
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "Hello #tag", posts[0].Text)
	assert.Nil(t, posts[0].Media)
	assert.Empty(t, h.fetcher.calls)
	assert.Len(t, h.journal.threads, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ThreadsPublished))
}

func TestHandle_PhotoThread(t *testing.T) {
	h := newHarness(t, 20)
	h.tr.out = "First part here. Second part here. Third part here."

	posts, err := h.proc.Handle(context.Background(), model.ChannelPost{
		ChatID:   chatID,
		Caption:  "подпись",
		PhotoIDs: []string{"thumb", "full"},
	})
	require.NoError(t, err)
	require.Len(t, posts, 3)

	assert.Equal(t, []string{"full"}, h.fetcher.calls, "largest photo size is relayed")
	assert.Equal(t, []string{"img:full|image/jpeg"}, h.x.uploads)

	require.NotNil(t, posts[0].Media)
	assert.Equal(t, model.MediaHandle("media-1"), *posts[0].Media)
	assert.Empty(t, posts[0].ReplyTo)
	assert.Equal(t, posts[0].ID, posts[1].ReplyTo)
	assert.Equal(t, posts[1].ID, posts[2].ReplyTo)
	assert.Nil(t, posts[1].Media)
	assert.Nil(t, posts[2].Media)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.SegmentsPublished))
}

func TestHandle_Ignored(t *testing.T) {
	tests := []struct {
		name   string
		post   model.ChannelPost
		reason string
	}{
		{"other chat", model.ChannelPost{ChatID: "-1", Text: "hi", PhotoIDs: []string{"p"}}, ReasonChatMismatch},
		{"no text", model.ChannelPost{ChatID: chatID, PhotoIDs: []string{"p"}}, ReasonNoText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, segment.DefaultLimit)
			_, err := h.proc.Handle(context.Background(), tt.post)
			require.ErrorIs(t, err, ErrIgnored)

			var ie *IgnoredError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.reason, ie.Reason)

			// Filtering happens before any external call.
			assert.Zero(t, h.tr.calls)
			assert.Empty(t, h.fetcher.calls)
			assert.Empty(t, h.x.uploads)
			assert.Empty(t, h.x.posts)
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PostsIgnored.WithLabelValues(tt.reason)))
		})
	}
}

func TestHandle_TranslateFailure(t *testing.T) {
	h := newHarness(t, segment.DefaultLimit)
	h.tr.err = errors.New("rate limited")

	_, err := h.proc.Handle(context.Background(), model.ChannelPost{ChatID: chatID, Text: "x", PhotoIDs: []string{"p"}})
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, StageTranslate, ue.Stage)
	assert.Empty(t, h.fetcher.calls)
	assert.Empty(t, h.x.posts)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Failures.WithLabelValues(StageTranslate)))
}

func TestHandle_OverflowBeforeAnyUpload(t *testing.T) {
	h := newHarness(t, 40)
	h.tr.out = "see the long link here https://example.com/" + strings.Repeat("x", 40) + " ok"

	_, err := h.proc.Handle(context.Background(), model.ChannelPost{ChatID: chatID, Text: "x", PhotoIDs: []string{"p"}})
	require.ErrorIs(t, err, segment.ErrOverflow)
	assert.Empty(t, h.fetcher.calls)
	assert.Empty(t, h.x.uploads)
	assert.Empty(t, h.x.posts)
}

func TestHandle_MediaFailures(t *testing.T) {
	h := newHarness(t, segment.DefaultLimit)
	h.fetcher.err = errors.New("telegram down")
	_, err := h.proc.Handle(context.Background(), model.ChannelPost{ChatID: chatID, Text: "x", PhotoIDs: []string{"p"}})
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, StageFetch, ue.Stage)
	assert.Empty(t, h.x.posts)

	h = newHarness(t, segment.DefaultLimit)
	h.x.uploadErr = errors.New("upload rejected")
	_, err = h.proc.Handle(context.Background(), model.ChannelPost{ChatID: chatID, Text: "x", PhotoIDs: []string{"p"}})
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, StageUpload, ue.Stage)
	assert.Empty(t, h.x.posts)
}

func TestHandle_PartialPublish(t *testing.T) {
	h := newHarness(t, 10)
	h.tr.out = "aaaa bbbb cccc dddd eeee"
	h.x.failPost = 2

	posts, err := h.proc.Handle(context.Background(), model.ChannelPost{ChatID: chatID, Text: "x"})
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, StagePublish, ue.Stage)

	var pe *thread.PartialError
	require.ErrorAs(t, err, &pe)
	assert.Len(t, pe.Published, 1)
	assert.Len(t, posts, 1)
	assert.Empty(t, h.journal.threads, "partial threads are not journaled")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SegmentsPublished))
}

func TestHandle_JournalFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, segment.DefaultLimit)
	h.journal.err = errors.New("disk full")
	posts, err := h.proc.Handle(context.Background(), model.ChannelPost{ChatID: chatID, Text: "x"})
	require.NoError(t, err)
	assert.Len(t, posts, 1)
}

func TestHandle_StripsMarkupAndSkipsEmptyResult(t *testing.T) {
	h := newHarness(t, segment.DefaultLimit)
	h.tr.out = "<b>Bold</b> news #tag"
	posts, err := h.proc.Handle(context.Background(), model.ChannelPost{ChatID: chatID, Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "Bold news #tag", posts[0].Text)

	h.tr.out = "<p> </p>"
	_, err = h.proc.Handle(context.Background(), model.ChannelPost{ChatID: chatID, Text: "x"})
	assert.ErrorIs(t, err, ErrIgnored)
}

func TestHandle_KeepsAngleBracketText(t *testing.T) {
	tests := []string{
		"Use the <input> tag inside a <form> element #webdev #html",
		"Generics: write func Map<T any>(xs []T) in Go.",
	}
	for _, out := range tests {
		t.Run(out, func(t *testing.T) {
			h := newHarness(t, segment.DefaultLimit)
			h.tr.out = out
			posts, err := h.proc.Handle(context.Background(), model.ChannelPost{ChatID: chatID, Text: "x"})
			require.NoError(t, err)
			require.Len(t, posts, 1)
			assert.Equal(t, out, posts[0].Text)
		})
	}
}

func TestHandle_NoTranslator(t *testing.T) {
	x := &fakeX{}
	proc, err := NewProcessor(chatID, segment.DefaultLimit, Deps{Poster: x, Logger: logging.Discard()})
	require.NoError(t, err)
	posts, err := proc.Handle(context.Background(), model.ChannelPost{ChatID: chatID, Text: "verbatim", PhotoIDs: []string{"p"}})
	require.NoError(t, err)
	assert.Equal(t, "verbatim", posts[0].Text)
	assert.Nil(t, posts[0].Media, "no fetcher configured")
}

func TestNewProcessor_Validation(t *testing.T) {
	_, err := NewProcessor(chatID, 280, Deps{})
	assert.Error(t, err)
	_, err = NewProcessor(chatID, 280, Deps{Poster: &fakeX{}, Fetcher: &fakeFetcher{}})
	assert.Error(t, err)
	_, err = NewProcessor(chatID, 0, Deps{Poster: &fakeX{}})
	assert.ErrorIs(t, err, segment.ErrInvalidLimit)
}

func TestRun_ContinuesAfterFailures(t *testing.T) {
	x := &fakeX{}
	proc, err := NewProcessor(chatID, segment.DefaultLimit, Deps{Poster: x, Logger: logging.Discard()})
	require.NoError(t, err)

	events := make(chan model.ChannelPost)
	done := make(chan error, 1)
	go func() { done <- proc.Run(context.Background(), events, 2) }()

	events <- model.ChannelPost{ChatID: "other", Text: "ignored"}
	events <- model.ChannelPost{ChatID: chatID, Text: "one"}
	events <- model.ChannelPost{ChatID: chatID, Text: "two"}
	close(events)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after events closed")
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	var texts []string
	for _, p := range x.posts {
		texts = append(texts, p.Text)
	}
	assert.ElementsMatch(t, []string{"one", "two"}, texts)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	proc, err := NewProcessor(chatID, segment.DefaultLimit, Deps{Poster: &fakeX{}, Logger: logging.Discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = proc.Run(ctx, make(chan model.ChannelPost), 1)
	assert.ErrorIs(t, err, context.Canceled)
}

// gatedPoster blocks the first Post until release is closed or ctx ends.
type gatedPoster struct {
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	posts []string
	errs  []error
}

func newGatedPoster() *gatedPoster {
	return &gatedPoster{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedPoster) Post(ctx context.Context, req model.PostRequest) (string, error) {
	g.mu.Lock()
	n := len(g.posts)
	g.mu.Unlock()
	if n == 0 {
		close(g.started)
		select {
		case <-g.release:
		case <-ctx.Done():
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := ctx.Err(); err != nil {
		g.errs = append(g.errs, err)
		return "", err
	}
	g.posts = append(g.posts, req.Text)
	return fmt.Sprintf("tweet-%d", len(g.posts)), nil
}

func TestRun_CancelFinishesInFlightThread(t *testing.T) {
	gp := newGatedPoster()
	proc, err := NewProcessor(chatID, 12, Deps{Poster: gp, Logger: logging.Discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan model.ChannelPost)
	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx, events, 1) }()

	events <- model.ChannelPost{ChatID: chatID, MessageID: 1, Text: "first one. second one. third one."}
	<-gp.started
	// The only slot is taken, so Run waits for one while holding this post.
	events <- model.ChannelPost{ChatID: chatID, MessageID: 2, Text: "later"}
	cancel()

	select {
	case err := <-done:
		t.Fatalf("Run returned %v before the in-flight thread finished", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(gp.release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	gp.mu.Lock()
	defer gp.mu.Unlock()
	assert.Equal(t, []string{"first one.", "second one.", "third one."}, gp.posts)
	assert.Empty(t, gp.errs)
}

func TestRun_DrainTimeoutCancelsStuckPosts(t *testing.T) {
	gp := newGatedPoster()
	proc, err := NewProcessor(chatID, segment.DefaultLimit, Deps{
		Poster:       gp,
		Logger:       logging.Discard(),
		DrainTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan model.ChannelPost)
	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx, events, 2) }()

	events <- model.ChannelPost{ChatID: chatID, Text: "stuck"}
	<-gp.started
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not give up after the drain timeout")
	}

	gp.mu.Lock()
	defer gp.mu.Unlock()
	assert.Empty(t, gp.posts)
	require.Len(t, gp.errs, 1)
	assert.ErrorIs(t, gp.errs[0], context.Canceled)
}
