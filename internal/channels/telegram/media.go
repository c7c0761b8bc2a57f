package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
)

const getFileRetries = 3

// resolveMedia turns the message's media into attachments carrying
// Telegram download urls. The pipeline's fetcher does the download,
// so the transport only resolves file ids.
func (c *Channel) resolveMedia(ctx context.Context, acct *account, msg *telego.Message) []bus.MediaAttachment {
	var out []bus.MediaAttachment

	add := func(fileID, contentType, name string, size int64) {
		url, err := c.fileURL(ctx, acct, fileID)
		if err != nil {
			// Drop the attachment; the message text still flows.
			return
		}
		out = append(out, bus.MediaAttachment{
			URL:         url,
			ContentType: contentType,
			Size:        size,
			Caption:     name,
		})
	}

	if len(msg.Photo) > 0 {
		// Highest resolution is last.
		photo := msg.Photo[len(msg.Photo)-1]
		add(photo.FileID, "image/jpeg", "", int64(photo.FileSize))
	}
	if msg.Voice != nil {
		add(msg.Voice.FileID, msg.Voice.MimeType, "", msg.Voice.FileSize)
	}
	if msg.Audio != nil {
		add(msg.Audio.FileID, msg.Audio.MimeType, msg.Audio.FileName, msg.Audio.FileSize)
	}
	if msg.Document != nil {
		add(msg.Document.FileID, msg.Document.MimeType, msg.Document.FileName, msg.Document.FileSize)
	}
	if msg.VideoNote != nil {
		add(msg.VideoNote.FileID, "video/mp4", "", int64(msg.VideoNote.FileSize))
	}
	if msg.Video != nil {
		add(msg.Video.FileID, msg.Video.MimeType, msg.Video.FileName, msg.Video.FileSize)
	}
	if msg.Animation != nil {
		add(msg.Animation.FileID, msg.Animation.MimeType, msg.Animation.FileName, msg.Animation.FileSize)
	}
	return out
}

// fileURL resolves a file id to its Bot API download url, retrying
// transient GetFile failures.
func (c *Channel) fileURL(ctx context.Context, acct *account, fileID string) (string, error) {
	var file *telego.File
	var err error
	for attempt := 1; attempt <= getFileRetries; attempt++ {
		file, err = acct.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < getFileRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("telegram get file: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for %s", fileID)
	}
	return fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", acct.token, file.FilePath), nil
}
