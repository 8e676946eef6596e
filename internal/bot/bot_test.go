package bot

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatRub(t *testing.T) {
	assert.Equal(t, "500.00", FormatRub(50000))
	assert.Equal(t, "150.50", FormatRub(15050))
	assert.Equal(t, "0.07", FormatRub(7))
	assert.Equal(t, "0.00", FormatRub(0))
	assert.Equal(t, "-12.34", FormatRub(-1234))
}

func TestRateLimiter(t *testing.T) {
	r := NewRateLimiter()

	assert.False(t, r.IsLimited(1, "/buy"))
	assert.True(t, r.IsLimited(1, "/buy"))
	// другая команда и другой пользователь не блокируются
	assert.False(t, r.IsLimited(1, "/help"))
	assert.False(t, r.IsLimited(2, "/buy"))
}

func startMessage(fromID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		From: &tgbotapi.User{ID: fromID},
		Text: text,
		Entities: []tgbotapi.MessageEntity{
			{Type: "bot_command", Offset: 0, Length: 6},
		},
	}
}

func TestReferrerFromStart(t *testing.T) {
	ref := referrerFromStart(startMessage(10, "/start ref_99"))
	require.NotNil(t, ref)
	assert.Equal(t, int64(99), *ref)

	assert.Nil(t, referrerFromStart(startMessage(10, "/start")))
	assert.Nil(t, referrerFromStart(startMessage(10, "/start ref_abc")))
	// самоприглашение не засчитывается
	assert.Nil(t, referrerFromStart(startMessage(10, "/start ref_10")))
}
