// Package telegram receives channel posts from the Bot API and downloads
// their photos.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/mikequentel/threadrelay/internal/model"
)

// maxPhotoBytes caps downloads; the Bot API serves files up to 20 MB.
const maxPhotoBytes = 20 << 20

// NewBot connects to the Bot API with token.
func NewBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("error creating Telegram bot: %w", err)
	}
	return bot, nil
}

// Source long-polls for updates and forwards channel posts.
type Source struct {
	bot     *tgbotapi.BotAPI
	timeout int
	logger  *slog.Logger
}

func NewSource(bot *tgbotapi.BotAPI, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{bot: bot, timeout: 60, logger: logger}
}

// Run delivers channel posts to out until ctx is done. out is not closed.
func (s *Source) Run(ctx context.Context, out chan<- model.ChannelPost) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = s.timeout
	u.AllowedUpdates = []string{"channel_post"}
	updates := s.bot.GetUpdatesChan(u)
	defer s.bot.StopReceivingUpdates()

	s.logger.Info("listening for channel posts", "bot", s.bot.Self.UserName)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			post, ok := ConvertUpdate(update, time.Now())
			if !ok {
				continue
			}
			select {
			case out <- post:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// ConvertUpdate extracts the channel post carried by update, if any.
func ConvertUpdate(update tgbotapi.Update, now time.Time) (model.ChannelPost, bool) {
	msg := update.ChannelPost
	if msg == nil || msg.Chat == nil {
		return model.ChannelPost{}, false
	}
	post := model.ChannelPost{
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		MessageID:  msg.MessageID,
		Text:       msg.Text,
		Caption:    msg.Caption,
		ReceivedAt: now,
	}
	for _, p := range msg.Photo {
		post.PhotoIDs = append(post.PhotoIDs, p.FileID)
	}
	return post, true
}

// Fetcher downloads files attached to posts.
type Fetcher struct {
	bot  *tgbotapi.BotAPI
	http *http.Client
}

func NewFetcher(bot *tgbotapi.BotAPI, httpClient *http.Client) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Fetcher{bot: bot, http: httpClient}
}

// Fetch resolves fileID to a download URL and returns the file's bytes and
// content type.
func (f *Fetcher) Fetch(ctx context.Context, fileID string) ([]byte, string, error) {
	url, err := f.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve download url for %s: %w", fileID, err)
	}
	return FetchBytes(ctx, f.http, url)
}

// FetchBytes downloads url. The content type comes from the response or is
// sniffed from the body.
func FetchBytes(ctx context.Context, client *http.Client, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", redactToken(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download file: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	if len(data) > maxPhotoBytes {
		return nil, "", fmt.Errorf("download file: larger than %d bytes", maxPhotoBytes)
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" || strings.HasPrefix(ct, "application/octet-stream") {
		ct = http.DetectContentType(data)
	}
	return data, ct, nil
}

// redactToken keeps the bot token, which is part of file URLs, out of logs.
func redactToken(err error) error {
	msg := err.Error()
	if i := strings.Index(msg, "/file/bot"); i >= 0 {
		if j := strings.Index(msg[i+len("/file/bot"):], "/"); j >= 0 {
			return fmt.Errorf("%s/file/bot<redacted>%s", msg[:i], msg[i+len("/file/bot")+j:])
		}
	}
	return err
}
