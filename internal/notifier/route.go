package notifier

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"
)

// Route returns the channel and channel-specific address for a destination.
func Route(dest string) (channel, addr string, err error) {
	d := strings.TrimSpace(dest)
	low := strings.ToLower(d)
	switch {
	case strings.HasPrefix(low, "http://"), strings.HasPrefix(low, "https://"):
		return ChannelWebhook, d, nil
	case strings.HasPrefix(low, "telegram:"):
		id := strings.TrimSpace(d[len("telegram:"):])
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			return "", "", fmt.Errorf("%w: telegram chat id %q", ErrDestination, id)
		}
		return ChannelTelegram, id, nil
	case strings.HasPrefix(low, "mailto:"):
		d = strings.TrimSpace(d[len("mailto:"):])
	}
	if strings.Contains(d, "@") {
		a, err := mail.ParseAddress(d)
		if err != nil {
			return "", "", fmt.Errorf("%w: %q", ErrDestination, dest)
		}
		return ChannelEmail, a.Address, nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrDestination, dest)
}

// redact hides everything after the host of a webhook URL; query strings
// often carry tokens.
func redact(channel, addr string) string {
	if channel != ChannelWebhook {
		return addr
	}
	if i := strings.Index(addr, "://"); i >= 0 {
		rest := addr[i+3:]
		if j := strings.IndexAny(rest, "/?#"); j >= 0 {
			return addr[:i+3+j] + "/..."
		}
	}
	return addr
}
