package forwarder

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/sword-epi/spectra/internal/gateway"
)

// ContentHash — детерминированный контент-адрес сообщения для дедупликации.
// Токены собираются из текста и атрибутов медиа, сортируются лексикографически
// и склеиваются через "|"; результат — SHA-256 в hex. Формула стабильна:
// одинаковое содержимое даёт одинаковый хэш независимо от канала и id.
func ContentHash(msg gateway.Message) string {
	var tokens []string
	if msg.Text != "" {
		tokens = append(tokens, msg.Text)
	}
	if msg.HasMedia && msg.MediaID != 0 {
		tokens = append(tokens, "media_id:"+strconv.FormatInt(msg.MediaID, 10))
	}
	if msg.HasMedia && msg.MediaAccessHash != 0 {
		tokens = append(tokens, "media_hash:"+strconv.FormatInt(msg.MediaAccessHash, 10))
	}
	if msg.FileID != 0 {
		tokens = append(tokens, "file_id:"+strconv.FormatInt(msg.FileID, 10))
	}
	if msg.FileSize != 0 {
		tokens = append(tokens, "file_size:"+strconv.FormatInt(msg.FileSize, 10))
	}
	if msg.WebpageURL != "" {
		tokens = append(tokens, "webpage_url:"+msg.WebpageURL)
	}
	if len(tokens) == 0 && msg.HasMedia {
		tokens = append(tokens, "media_type:"+msg.MediaTypeName)
	}
	if len(tokens) == 0 {
		// Чисто служебное сообщение: хэшируем хотя бы его id.
		tokens = append(tokens, "message_obj_id:"+strconv.FormatInt(msg.ID, 10))
	}

	sort.Strings(tokens)
	sum := sha256.Sum256([]byte(strings.Join(tokens, "|")))
	return hex.EncodeToString(sum[:])
}
