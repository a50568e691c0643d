package telegram

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/infra/storage"
)

// DownloadMedia сохраняет вложение сообщения в destPath.
func (c *Client) DownloadMedia(ctx context.Context, msg gateway.Message, destPath string) (string, error) {
	if !msg.HasMedia {
		return "", errors.Wrap(gateway.ErrNotFound, "message has no media")
	}
	if err := storage.EnsureDir(destPath); err != nil {
		return "", errors.Wrap(err, "ensure media dir")
	}

	var location tg.InputFileLocationClass
	if msg.FileID != 0 {
		location = &tg.InputDocumentFileLocation{
			ID:         msg.FileID,
			AccessHash: msg.MediaAccessHash,
		}
	} else if strings.HasPrefix(msg.Mime, "image/") {
		location = &tg.InputPhotoFileLocation{
			ID:         msg.MediaID,
			AccessHash: msg.MediaAccessHash,
			ThumbSize:  "y",
		}
	} else {
		return "", errors.Wrapf(gateway.ErrNotFound, "no downloadable location for %s", msg.MediaTypeName)
	}

	if _, err := downloader.NewDownloader().Download(c.api, location).ToPath(ctx, destPath); err != nil {
		return "", mapError(err)
	}
	return destPath, nil
}

// DownloadAvatar сохраняет текущий аватар пользователя; пустой путь и
// nil-ошибка означают, что аватара нет.
func (c *Client) DownloadAvatar(ctx context.Context, userID int64, destPath string) (string, error) {
	user, err := c.peers.mgr.ResolveUserID(ctx, userID)
	if err != nil {
		return "", mapError(err)
	}
	resp, err := c.api.PhotosGetUserPhotos(ctx, &tg.PhotosGetUserPhotosRequest{
		UserID: user.InputUser(),
		Limit:  1,
	})
	if err != nil {
		return "", mapError(err)
	}

	var photos []tg.PhotoClass
	switch p := resp.(type) {
	case *tg.PhotosPhotos:
		photos = p.Photos
	case *tg.PhotosPhotosSlice:
		photos = p.Photos
	}
	if len(photos) == 0 {
		return "", nil
	}
	photo, ok := photos[0].(*tg.Photo)
	if !ok {
		return "", nil
	}

	if err := storage.EnsureDir(destPath); err != nil {
		return "", errors.Wrap(err, "ensure avatar dir")
	}
	location := &tg.InputPhotoFileLocation{
		ID:            photo.ID,
		AccessHash:    photo.AccessHash,
		FileReference: photo.FileReference,
		ThumbSize:     largestThumb(photo),
	}
	if _, err := downloader.NewDownloader().Download(c.api, location).ToPath(ctx, destPath); err != nil {
		return "", mapError(err)
	}
	return destPath, nil
}

// largestThumb выбирает самый крупный размер фото.
func largestThumb(photo *tg.Photo) string {
	best, bestArea := "x", 0
	for _, sc := range photo.Sizes {
		if size, ok := sc.(*tg.PhotoSize); ok {
			if area := size.W * size.H; area > bestArea {
				best, bestArea = size.Type, area
			}
		}
	}
	return best
}
