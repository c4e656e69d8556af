package bot

import (
	"context"
	"errors"
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	tele "gopkg.in/telebot.v4"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestShouldRetry(t *testing.T) {
	assert.False(t, shouldRetry(nil))
	assert.False(t, shouldRetry(errors.New("bad request")))
	assert.True(t, shouldRetry(timeoutErr{}))
	assert.True(t, shouldRetry(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.True(t, shouldRetry(&url.Error{Op: "Post", URL: "https://api.telegram.org", Err: timeoutErr{}}))
	assert.False(t, shouldRetry(context.Canceled))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "", classifyError(nil))
	assert.Equal(t, "timeout", classifyError(timeoutErr{}))
	assert.Equal(t, "dial", classifyError(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.Equal(t, "dns", classifyError(&net.DNSError{Err: "no such host"}))
	assert.Equal(t, "http_5xx", classifyError(&tele.Error{Code: 502}))
	assert.Equal(t, "http_4xx", classifyError(&tele.Error{Code: 403}))
	assert.Equal(t, "unknown", classifyError(errors.New("weird")))
}

func TestSanitizeErrorRedactsToken(t *testing.T) {
	err := errors.New("Post https://api.telegram.org/bot123456:AAHsomeSecretToken_x-1/sendMessage: boom")
	got := sanitizeError(err)
	assert.NotContains(t, got, "AAHsomeSecretToken")
	assert.Contains(t, got, "bot<redacted>")
}

func TestHTTPStatusFromErrorMessage(t *testing.T) {
	assert.Equal(t, 429, httpStatusFromError(errors.New("telegram: retry after 5 (429)")))
	assert.Equal(t, 0, httpStatusFromError(errors.New("no status here")))
}
