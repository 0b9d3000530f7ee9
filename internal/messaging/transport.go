package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrTransportUnavailable means the platform could not be reached at all.
var ErrTransportUnavailable = errors.New("messaging transport unavailable")

// Chat actions.
const (
	ActionTyping = "typing"
)

// Button is an inline button opening URL or sending Action back to the bot.
type Button struct {
	Text   string `json:"text"`
	URL    string `json:"url,omitempty"`
	Action string `json:"action,omitempty"`
}

// SendOptions are formatting options shared by send and edit.
type SendOptions struct {
	ParseMode      string     `json:"parse_mode,omitempty"`
	Buttons        [][]Button `json:"buttons,omitempty"`
	DisablePreview bool       `json:"disable_preview,omitempty"`
}

// Transport is the external messaging platform.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text string, opts SendOptions) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string, opts SendOptions) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// Error is a platform rejection. RetryAfter is set when the platform asks the
// caller to back off.
type Error struct {
	StatusCode  int
	RetryAfter  time.Duration
	Description string
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("messaging: %d %s (retry after %s)", e.StatusCode, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("messaging: %d %s", e.StatusCode, e.Description)
}

// RetryAfter extracts the back-off hint from a too-many-requests rejection.
func RetryAfter(err error) (time.Duration, bool) {
	var me *Error
	if !errors.As(err, &me) {
		return 0, false
	}
	if me.StatusCode != http.StatusTooManyRequests && me.RetryAfter == 0 {
		return 0, false
	}
	return me.RetryAfter, true
}
