package model

import "time"

// ChannelPost is one post received from the monitored Telegram channel.
type ChannelPost struct {
	ChatID     string
	MessageID  int
	Text       string
	Caption    string
	PhotoIDs   []string // file ids of the photo sizes, smallest first
	ReceivedAt time.Time
}

// Body returns the text of the post, falling back to the photo caption.
func (p ChannelPost) Body() string {
	if p.Text != "" {
		return p.Text
	}
	return p.Caption
}

// LargestPhoto returns the file id of the largest photo size, or "".
func (p ChannelPost) LargestPhoto() string {
	if len(p.PhotoIDs) == 0 {
		return ""
	}
	return p.PhotoIDs[len(p.PhotoIDs)-1]
}

// MediaHandle is the opaque id X returns for an uploaded image.
type MediaHandle string

// PostRequest is one publish call.
type PostRequest struct {
	Text    string
	Media   *MediaHandle
	ReplyTo string // empty for the first post of a thread
}

// ThreadPost is a published segment.
type ThreadPost struct {
	ID      string
	Text    string
	ReplyTo string
	Media   *MediaHandle
}

// --- v2 create tweet ---

type TweetReq struct {
	Text  string      `json:"text"`
	Media *TweetMedia `json:"media,omitempty"`
	Reply *TweetReply `json:"reply,omitempty"`
}
type TweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}
type TweetReply struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}
type TweetResp struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// --- v1.1 media/upload (simple upload) ---

type MediaUploadResp struct {
	MediaID       int64  `json:"media_id"`
	MediaIDString string `json:"media_id_string"`
}

// --- error bodies ---

// APIErrorV2 is the problem document returned by v2 endpoints.
type APIErrorV2 struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
}

// APIErrorV1 is the error list returned by v1.1 endpoints.
type APIErrorV1 struct {
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}
