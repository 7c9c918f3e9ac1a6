package client

import (
	"strconv"
	"strings"
	"time"
)

// providerWideCodes name refusals that come from the resource, not from the
// account. Rotating workers cannot help with any of them.
var providerWideCodes = map[string]struct{}{
	"CHAT_SEND_MEDIA_FORBIDDEN":    {},
	"CHAT_SEND_PHOTOS_FORBIDDEN":   {},
	"CHAT_SEND_VIDEOS_FORBIDDEN":   {},
	"CHAT_SEND_GIFS_FORBIDDEN":     {},
	"CHAT_SEND_STICKERS_FORBIDDEN": {},
	"CHAT_SEND_PLAIN_FORBIDDEN":    {},
	"CHAT_SEND_DOCS_FORBIDDEN":     {},
	"CHAT_SEND_POLL_FORBIDDEN":     {},
	"CHAT_GUEST_SEND_FORBIDDEN":    {},
	"PAYMENT_REQUIRED":             {},
	"ALLOW_PAYMENT_REQUIRED":       {},
	"TOPIC_CLOSED":                 {},
	"CHAT_RESTRICTED":              {},
	"CHANNEL_PUBLIC_GROUP_NA":      {},
}

var accountForbiddenCodes = map[string]struct{}{
	"CHAT_WRITE_FORBIDDEN":   {},
	"CHAT_ADMIN_REQUIRED":    {},
	"USER_BANNED_IN_CHANNEL": {},
	"USER_RESTRICTED":        {},
	"CHANNEL_PRIVATE":        {},
	"USER_NOT_PARTICIPANT":   {},
	"INVITE_REQUEST_SENT":    {},
	"CHANNELS_TOO_MUCH":      {},
	"USER_CHANNELS_TOO_MUCH": {},
	"FORBIDDEN":              {},
}

var notFoundCodes = map[string]struct{}{
	"USERNAME_NOT_OCCUPIED": {},
	"USERNAME_INVALID":      {},
	"INVITE_HASH_EXPIRED":   {},
	"INVITE_HASH_INVALID":   {},
	"CHANNEL_INVALID":       {},
	"PEER_ID_INVALID":       {},
	"NOT_FOUND":             {},
}

// Classify maps a provider error code and message to a Result. It is the one
// place where account-specific refusals are told apart from provider-wide
// restrictions. Unrecognized codes become KindUnknown so they are retried on
// a later pass instead of burning a worker/target pairing.
func Classify(code, message string) Result {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" {
		return Unknown(message)
	}

	if after, ok := floodWait(c); ok {
		r := RateLimited(after)
		r.Message = message
		return r
	}
	if _, ok := providerWideCodes[c]; ok {
		return Forbidden(true, firstNonEmpty(message, c))
	}
	if strings.HasPrefix(c, "CHAT_SEND_") && strings.HasSuffix(c, "_FORBIDDEN") {
		return Forbidden(true, firstNonEmpty(message, c))
	}
	if _, ok := accountForbiddenCodes[c]; ok {
		return Forbidden(false, firstNonEmpty(message, c))
	}
	if _, ok := notFoundCodes[c]; ok {
		return NotFound(firstNonEmpty(message, c))
	}
	return Unknown(firstNonEmpty(message, c))
}

// floodWait understands FLOOD_WAIT_<n>, SLOWMODE_WAIT_<n> and
// FLOOD_PREMIUM_WAIT_<n>, plus the bare RATE_LIMITED code.
func floodWait(code string) (time.Duration, bool) {
	for _, prefix := range []string{"FLOOD_WAIT_", "FLOOD_PREMIUM_WAIT_", "SLOWMODE_WAIT_"} {
		if strings.HasPrefix(code, prefix) {
			n, err := strconv.Atoi(strings.TrimPrefix(code, prefix))
			if err != nil || n < 0 {
				return 0, false
			}
			return time.Duration(n) * time.Second, true
		}
	}
	if code == "RATE_LIMITED" || code == "FLOOD_WAIT" {
		return 0, true
	}
	return 0, false
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}
