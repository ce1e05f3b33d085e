// Package messaging holds the per-viewer components of the conversation
// view: the directory, the open message channel, its read tracker and
// composer, and the Session tying them together.
package messaging

import "github.com/travelops/internal/model"

// Notifier receives short user-facing notices about transient failures.
type Notifier interface {
	Notice(msg string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(msg string)

func (f NotifierFunc) Notice(msg string) { f(msg) }

type discardNotifier struct{}

func (discardNotifier) Notice(string) {}

func notifierOr(n Notifier) Notifier {
	if n == nil {
		return discardNotifier{}
	}
	return n
}

// Hooks are the callbacks the surrounding view registers. Any of them may
// be nil. They run on the goroutine that caused the event and must not
// block.
type Hooks struct {
	OnConversationSelected         func(model.ConversationSummary)
	OnMessagesRead                 func(conversationID string, ids []string)
	OnNewMessageInOpenConversation func(model.Message)
}

// User-facing notice texts.
const (
	NoticeListFailed    = "Could not load conversations"
	NoticeHistoryFailed = "Could not load messages"
	NoticeSendFailed    = "Message could not be sent"
	NoticeTooLong       = "Message is too long"
	NoticeCreateFailed  = "Could not create the conversation"
	NoticeDuplicate     = "This conversation already exists"
	NoticeForbidden     = "Only staff can start conversations"
	NoticeOutOfScope    = "You can only message tourists of your own trips"
	NoticeInvalidTarget = "Choose a valid recipient or group"
	NoticeCandidates    = "Could not load recipients"
)
