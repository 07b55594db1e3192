// Package x talks to the X (Twitter) API: creating posts, uploading media and
// checking credentials.
package x

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/dghubble/go-twitter/twitter"
	"github.com/dghubble/oauth1"

	"github.com/mikequentel/threadrelay/internal/model"
)

const (
	tweetsURL = "https://api.twitter.com/2/tweets"
	uploadURL = "https://upload.twitter.com/1.1/media/upload.json"
)

// Credentials are the OAuth 1.0a user-context keys.
type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
	AccessToken    string
	AccessSecret   string
}

type Client struct {
	http       *http.Client
	v1         *twitter.Client
	apiVersion int
	logger     *slog.Logger
}

// NewClient builds a client signing every request with creds.
// apiVersion selects the endpoint used for posting: 1 (statuses/update) or 2 (/2/tweets).
func NewClient(ctx context.Context, creds Credentials, apiVersion int, logger *slog.Logger) *Client {
	config := oauth1.NewConfig(creds.ConsumerKey, creds.ConsumerSecret)
	token := oauth1.NewToken(creds.AccessToken, creds.AccessSecret)
	return NewFromHTTPClient(config.Client(ctx, token), apiVersion, logger)
}

// NewFromHTTPClient wraps an already authenticated HTTP client.
func NewFromHTTPClient(httpClient *http.Client, apiVersion int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if apiVersion != 1 {
		apiVersion = 2
	}
	return &Client{
		http:       httpClient,
		v1:         twitter.NewClient(httpClient),
		apiVersion: apiVersion,
		logger:     logger,
	}
}

// Post publishes one post and returns its id.
func (c *Client) Post(ctx context.Context, req model.PostRequest) (string, error) {
	if c.apiVersion == 1 {
		return c.postStatusV1(req)
	}
	var mediaIDs []string
	if req.Media != nil {
		mediaIDs = []string{string(*req.Media)}
	}
	return createTweetV2(ctx, c.http, req.Text, mediaIDs, req.ReplyTo)
}

func (c *Client) postStatusV1(req model.PostRequest) (string, error) {
	params := &twitter.StatusUpdateParams{}
	if req.ReplyTo != "" {
		id, err := strconv.ParseInt(req.ReplyTo, 10, 64)
		if err != nil {
			return "", fmt.Errorf("reply id %q: %w", req.ReplyTo, err)
		}
		params.InReplyToStatusID = id
	}
	if req.Media != nil {
		id, err := strconv.ParseInt(string(*req.Media), 10, 64)
		if err != nil {
			return "", fmt.Errorf("media id %q: %w", *req.Media, err)
		}
		params.MediaIds = []int64{id}
	}
	tweet, _, err := c.v1.Statuses.Update(req.Text, params)
	if err != nil {
		return "", fmt.Errorf("POST /1.1/statuses/update.json: %w", err)
	}
	if tweet.IDStr != "" {
		return tweet.IDStr, nil
	}
	return strconv.FormatInt(tweet.ID, 10), nil
}

// UploadMedia uploads one image and returns its media handle.
func (c *Client) UploadMedia(ctx context.Context, data []byte, contentType string) (model.MediaHandle, error) {
	id, err := uploadMediaSimple(ctx, c.http, data, contentType)
	if err != nil {
		return "", err
	}
	c.logger.Debug("uploaded media", "media_id", id, "bytes", len(data), "content_type", contentType)
	return model.MediaHandle(id), nil
}

// VerifyCredentials returns the screen name of the authenticated account.
func (c *Client) VerifyCredentials(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	user, _, err := c.v1.Accounts.VerifyCredentials(&twitter.AccountVerifyParams{
		SkipStatus: twitter.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("GET /1.1/account/verify_credentials.json: %w", err)
	}
	return user.ScreenName, nil
}

func createTweetV2(ctx context.Context, client *http.Client, text string, mediaIDs []string, replyTo string) (string, error) {
	reqBody := model.TweetReq{Text: text}
	if len(mediaIDs) > 0 {
		reqBody.Media = &model.TweetMedia{MediaIDs: mediaIDs}
	}
	if replyTo != "" {
		reqBody.Reply = &model.TweetReply{InReplyToTweetID: replyTo}
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tweetsURL, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.New(diagnoseHTTPError(resp, body, "POST /2/tweets"))
	}

	var out model.TweetResp
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode /2/tweets response: %w", err)
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("POST /2/tweets: missing id in response: %s", strings.TrimSpace(string(body)))
	}
	return out.Data.ID, nil
}

func uploadMediaSimple(ctx context.Context, client *http.Client, data []byte, contentType string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="media"; filename="media"`)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.New(diagnoseHTTPError(resp, body, "POST /1.1/media/upload.json"))
	}

	var out model.MediaUploadResp
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode media upload response: %w", err)
	}
	switch {
	case out.MediaIDString != "":
		return out.MediaIDString, nil
	case out.MediaID != 0:
		return strconv.FormatInt(out.MediaID, 10), nil
	default:
		return "", fmt.Errorf("media upload: missing media_id in response: %s", strings.TrimSpace(string(body)))
	}
}

// diagnoseHTTPError turns an error response from either API generation into
// one readable line.
func diagnoseHTTPError(resp *http.Response, body []byte, endpoint string) string {
	prefix := fmt.Sprintf("%s: HTTP %d", endpoint, resp.StatusCode)
	if lvl := resp.Header.Get("X-Access-Level"); lvl != "" {
		prefix += " (access level " + lvl + ")"
	}

	var v2 model.APIErrorV2
	if json.Unmarshal(body, &v2) == nil && (v2.Title != "" || v2.Detail != "") {
		return fmt.Sprintf("%s: %s: %s", prefix, v2.Title, v2.Detail)
	}

	var v1 model.APIErrorV1
	if json.Unmarshal(body, &v1) == nil && len(v1.Errors) > 0 {
		parts := make([]string, 0, len(v1.Errors))
		for _, e := range v1.Errors {
			parts = append(parts, fmt.Sprintf("code %d: %s", e.Code, e.Message))
		}
		return fmt.Sprintf("%s: %s", prefix, strings.Join(parts, "; "))
	}

	return fmt.Sprintf("%s: %s", prefix, strings.TrimSpace(string(body)))
}
