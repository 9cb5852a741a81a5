package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Inbound is one text command from a chat, normalised for the ledger.
type Inbound struct {
	ChatID      int64
	UserID      string
	GroupID     string
	DisplayName string
	Text        string
	Private     bool
}

// Reply is the handler's answer. VoteID attaches vote buttons.
type Reply struct {
	Text   string
	VoteID string
}

// Handler processes one inbound command. An empty reply sends nothing.
type Handler func(ctx context.Context, in Inbound) Reply

type getUpdatesRequest struct {
	Offset         int      `json:"offset"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

// Listen long-polls getUpdates until ctx is done. It returns ctx.Err().
func (c *Client) Listen(ctx context.Context, handle Handler) error {
	offset := 0
	c.log.Info("telegram listener started")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var updates []Update
		err := c.call(ctx, "getUpdates", getUpdatesRequest{
			Offset:         offset,
			Timeout:        c.pollSec,
			AllowedUpdates: []string{"message", "callback_query"},
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				c.log.Error("telegram api error", zap.Int("code", apiErr.Code), zap.String("description", apiErr.Description))
			} else {
				c.log.Warn("telegram poll failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
			continue
		}

		for _, u := range updates {
			offset = u.UpdateID + 1
			c.dispatch(ctx, u, handle)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, u Update, handle Handler) {
	switch {
	case u.Message != nil && u.Message.From != nil:
		m := u.Message
		if !c.authorized(m.Chat.ID, m.From, m.Text) {
			return
		}
		text := strings.TrimSpace(stripMention(m.Text))
		if text == "" {
			return
		}
		c.respond(ctx, m.Chat, handle(ctx, inbound(m.Chat, *m.From, text)))

	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil:
		q := u.CallbackQuery
		chat := q.Message.Chat
		if !c.authorized(chat.ID, &q.From, q.Data) {
			return
		}
		text, ok := CallbackCommand(q.Data)
		if !ok {
			_ = c.AnswerCallback(ctx, q.ID, "⚠️ 無效的按鈕")
			return
		}
		reply := handle(ctx, inbound(chat, q.From, text))
		sendCtx, cancel := replyContext(ctx)
		defer cancel()
		if err := c.AnswerCallback(sendCtx, q.ID, ""); err != nil {
			c.log.Warn("failed to answer callback", zap.Error(err))
		}
		c.respond(ctx, chat, reply)
	}
}

func (c *Client) authorized(chatID int64, from *User, text string) bool {
	if c.allowed == nil || c.allowed[chatID] {
		return true
	}
	// no reply to unknown chats
	c.log.Warn("unauthorized chat", zap.Int64("chat_id", chatID), zap.String("username", from.Username), zap.String("text", text))
	return false
}

func (c *Client) respond(ctx context.Context, chat Chat, r Reply) {
	if r.Text == "" {
		return
	}
	ctx, cancel := replyContext(ctx)
	defer cancel()
	var err error
	if r.VoteID != "" {
		err = c.SendInteractiveMessage(ctx, chat.ID, r.Text, VoteButtons(r.VoteID))
	} else {
		err = c.SendMessage(ctx, chat.ID, r.Text)
	}
	if err != nil {
		c.log.Error("failed to send reply", zap.Int64("chat_id", chat.ID), zap.Error(err))
	}
}

// replyContext lets a reply to an already handled command go out during shutdown.
func replyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func inbound(chat Chat, from User, text string) Inbound {
	return Inbound{
		ChatID:      chat.ID,
		UserID:      UserKey(from.ID),
		GroupID:     ChatKey(chat.ID),
		DisplayName: from.DisplayName(),
		Text:        text,
		Private:     chat.Type == "private",
	}
}

// stripMention turns "/votes@ledger_bot" into "/votes".
func stripMention(text string) string {
	if !strings.HasPrefix(text, "/") {
		return text
	}
	head, tail, _ := strings.Cut(text, " ")
	if at := strings.IndexByte(head, '@'); at > 0 {
		head = head[:at]
	}
	if tail == "" {
		return head
	}
	return head + " " + tail
}
