package x

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mikequentel/threadrelay/internal/model"
)

// DryRun logs what would be posted and never touches the network.
type DryRun struct {
	logger *slog.Logger
	seq    atomic.Int64
}

func NewDryRun(logger *slog.Logger) *DryRun {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRun{logger: logger}
}

func (d *DryRun) Post(_ context.Context, req model.PostRequest) (string, error) {
	id := fmt.Sprintf("dry-run-%d", d.seq.Add(1))
	attrs := []any{"id", id, "reply_to", req.ReplyTo, "text", req.Text}
	if req.Media != nil {
		attrs = append(attrs, "media", string(*req.Media))
	}
	d.logger.Info("DRY RUN: would post", attrs...)
	return id, nil
}

func (d *DryRun) UploadMedia(_ context.Context, data []byte, contentType string) (model.MediaHandle, error) {
	id := fmt.Sprintf("dry-run-media-%d", d.seq.Add(1))
	d.logger.Info("DRY RUN: would upload media", "id", id, "bytes", len(data), "content_type", contentType)
	return model.MediaHandle(id), nil
}
