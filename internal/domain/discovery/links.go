package discovery

import (
	"regexp"
	"strings"

	"github.com/sword-epi/spectra/internal/gateway"
)

// Правила извлечения ссылок из текста сообщения. Инвайты нормализуются к
// форме https://t.me/joinchat/<hash>, публичные ссылки — к @username,
// приватные t.me/c/<id> — к числовому id канала.
var (
	usernameRe = regexp.MustCompile(`@([A-Za-z0-9_]{5,32})`)
	inviteRe   = regexp.MustCompile(`(?:https?://)?t\.me/(?:joinchat/|\+)([A-Za-z0-9_-]+)`)
	resolveRe  = regexp.MustCompile(`(?:https?://)?t\.me/resolve\?domain=([A-Za-z0-9_]{5,32})`)
	privateRe  = regexp.MustCompile(`(?:https?://)?t\.me/c/(\d+)`)
	publicRe   = regexp.MustCompile(`(?:https?://)?t\.me/([A-Za-z0-9_]{5,32})`)
	validUser  = regexp.MustCompile(`^[A-Za-z0-9_]{5,32}$`)
)

// reservedPathSegments — первые сегменты t.me, не являющиеся username.
var reservedPathSegments = map[string]bool{
	"joinchat": true,
	"resolve":  true,
	"share":    true,
	"proxy":    true,
	"socks":    true,
	"c":        true,
	"s":        true,
}

// ExtractLinks извлекает все ссылки на группы из текста и структурных
// упоминаний сообщения. Результат нормализован и без дубликатов, в порядке
// первого появления.
func ExtractLinks(msg gateway.Message) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(link string) {
		if link == "" || seen[link] {
			return
		}
		seen[link] = true
		out = append(out, link)
	}

	text := msg.Text

	for _, m := range inviteRe.FindAllStringSubmatch(text, -1) {
		add("https://t.me/joinchat/" + m[1])
	}
	for _, m := range resolveRe.FindAllStringSubmatch(text, -1) {
		add("@" + m[1])
	}
	for _, m := range privateRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range publicRe.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if reservedPathSegments[strings.ToLower(name)] {
			continue
		}
		add("@" + name)
	}
	for _, m := range usernameRe.FindAllStringSubmatch(text, -1) {
		add("@" + m[1])
	}
	for _, mention := range msg.Mentions {
		u := strings.TrimPrefix(mention.Username, "@")
		if validUser.MatchString(u) {
			add("@" + u)
		}
	}
	return out
}

// ClassifyLink определяет тип ссылки для DiscoveredGroup.
func ClassifyLink(link string) string {
	switch {
	case strings.HasPrefix(link, "@"):
		return "username"
	case strings.Contains(link, "joinchat") || strings.Contains(link, "t.me/+"):
		return "private"
	default:
		return "unknown"
	}
}
