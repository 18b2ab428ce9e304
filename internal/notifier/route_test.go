package notifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoute(t *testing.T) {
	cases := []struct {
		dest, channel, addr string
	}{
		{"https://hooks.example.org/x?token=1", ChannelWebhook, "https://hooks.example.org/x?token=1"},
		{"HTTP://hooks.example.org", ChannelWebhook, "HTTP://hooks.example.org"},
		{"mailto:ops@example.org", ChannelEmail, "ops@example.org"},
		{"  Ops Team <ops@example.org> ", ChannelEmail, "ops@example.org"},
		{"ops@example.org", ChannelEmail, "ops@example.org"},
		{"telegram:-100123", ChannelTelegram, "-100123"},
		{"Telegram: 42", ChannelTelegram, "42"},
	}
	for _, tc := range cases {
		ch, addr, err := Route(tc.dest)
		require.NoError(t, err, tc.dest)
		assert.Equal(t, tc.channel, ch, tc.dest)
		assert.Equal(t, tc.addr, addr, tc.dest)
	}

	for _, bad := range []string{"", "slack:#ops", "telegram:abc", "mailto:", "ftp://x"} {
		_, _, err := Route(bad)
		assert.ErrorIs(t, err, ErrDestination, bad)
	}
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "https://hooks.example.org/...", redact(ChannelWebhook, "https://hooks.example.org/x?token=1"))
	assert.Equal(t, "https://hooks.example.org", redact(ChannelWebhook, "https://hooks.example.org"))
	assert.Equal(t, "ops@example.org", redact(ChannelEmail, "ops@example.org"))
}
