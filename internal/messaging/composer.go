package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/travelops/internal/clock"
	"github.com/travelops/internal/logger"
	"github.com/travelops/internal/model"
	"github.com/travelops/internal/storage"
)

// DefaultMaxLength caps message content in runes.
const DefaultMaxLength = 4000

// PrepareMessage trims raw and checks it against maxLen runes.
func PrepareMessage(raw string, maxLen int) (string, error) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return "", ErrEmptyMessage
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	if utf8.RuneCountInString(content) > maxLen {
		return "", ErrTooLong
	}
	return content, nil
}

// Composer holds the pending text of one conversation.
type Composer struct {
	conversationID string
	senderID       string
	messages       storage.MessageStore
	channel        *Channel
	clock          clock.Clock
	maxLen         int
	notifier       Notifier
	onChange       func(text string)

	mu  sync.Mutex
	buf string
}

func NewComposer(conversationID, senderID string, messages storage.MessageStore, ch *Channel, clk clock.Clock,
	maxLen int, notifier Notifier, onChange func(string)) *Composer {
	return &Composer{
		conversationID: conversationID,
		senderID:       senderID,
		messages:       messages,
		channel:        ch,
		clock:          clk,
		maxLen:         maxLen,
		notifier:       notifierOr(notifier),
		onChange:       onChange,
	}
}

func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf
}

func (c *Composer) SetText(s string) {
	c.mu.Lock()
	c.buf = s
	c.mu.Unlock()
	c.changed(s)
}

// KeyEnter handles the Enter key. With a modifier it inserts a newline,
// otherwise it submits.
func (c *Composer) KeyEnter(ctx context.Context, modifier bool) (*model.Message, error) {
	if modifier {
		c.mu.Lock()
		c.buf += "\n"
		text := c.buf
		c.mu.Unlock()
		c.changed(text)
		return nil, nil
	}
	return c.Submit(ctx)
}

// Submit stores the buffer as a message. On success the stored row is
// added to the channel and the buffer is cleared, unless it was edited
// while the insert was in flight. On failure the buffer is kept.
func (c *Composer) Submit(ctx context.Context) (*model.Message, error) {
	text := c.Text()
	content, err := PrepareMessage(text, c.maxLen)
	if errors.Is(err, ErrTooLong) {
		c.notifier.Notice(NoticeTooLong)
	}
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: c.conversationID,
		SenderID:       c.senderID,
		Content:        content,
		CreatedAt:      c.clock.Now().UTC(),
	}
	saved, err := c.messages.InsertMessage(ctx, msg)
	if err != nil {
		logger.Errorf("composer %s: insert: %v", c.conversationID, err)
		c.notifier.Notice(NoticeSendFailed)
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if c.channel != nil {
		c.channel.Append(*saved)
	}

	c.mu.Lock()
	cleared := c.buf == text
	if cleared {
		c.buf = ""
	}
	c.mu.Unlock()
	if cleared {
		c.changed("")
	}
	return saved, nil
}

func (c *Composer) changed(text string) {
	if c.onChange != nil {
		c.onChange(text)
	}
}
