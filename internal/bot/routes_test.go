package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	tele "gopkg.in/telebot.v4"
)

// stubContext implements the handful of tele.Context methods the routes touch
// outside a live bot. Everything else panics via the embedded nil interface.
type stubContext struct {
	tele.Context
	values map[string]any
	chat   *tele.Chat
}

func (s *stubContext) Get(key string) any { return s.values[key] }

func (s *stubContext) Set(key string, val any) {
	if s.values == nil {
		s.values = map[string]any{}
	}
	s.values[key] = val
}

func (s *stubContext) Chat() *tele.Chat { return s.chat }

func TestSendTextWithoutChatIsDropped(t *testing.T) {
	b := &Bot{sender: NewSender(SenderOptions{})}
	defer b.sender.Close()

	err := b.sendText(&stubContext{}, "Something went wrong, please try again.")
	assert.NoError(t, err, "channel posts without a chat are silently dropped")
}
