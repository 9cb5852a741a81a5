package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Button is an inline keyboard button.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type sendMessageRequest struct {
	ChatID      int64           `json:"chat_id"`
	Text        string          `json:"text"`
	ReplyTo     int             `json:"reply_to_message_id,omitempty"`
	ReplyMarkup *inlineKeyboard `json:"reply_markup,omitempty"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]Button `json:"inline_keyboard"`
}

// SendMessage sends plain text. No parse mode is set because replies echo
// user-typed notes that may contain Markdown characters.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", sendMessageRequest{ChatID: chatID, Text: text}, nil)
}

// SendInteractiveMessage sends text with one row of inline buttons.
func (c *Client) SendInteractiveMessage(ctx context.Context, chatID int64, text string, buttons []Button) error {
	req := sendMessageRequest{ChatID: chatID, Text: text}
	if len(buttons) > 0 {
		req.ReplyMarkup = &inlineKeyboard{InlineKeyboard: [][]Button{buttons}}
	}
	return c.call(ctx, "sendMessage", req, nil)
}

// AnswerCallback acknowledges a button press with a short toast.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	payload := map[string]string{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}

const votePrefix = "vote:"

// VoteButtons are the approve/reject buttons attached to a sell proposal.
func VoteButtons(voteID string) []Button {
	return []Button{
		{Text: "👍 贊成", CallbackData: votePrefix + "yes:" + voteID},
		{Text: "👎 反對", CallbackData: votePrefix + "no:" + voteID},
	}
}

// CallbackCommand turns button data back into the equivalent text command.
func CallbackCommand(data string) (string, bool) {
	rest, ok := strings.CutPrefix(data, votePrefix)
	if !ok {
		return "", false
	}
	choice, id, ok := strings.Cut(rest, ":")
	if !ok || id == "" {
		return "", false
	}
	switch choice {
	case "yes":
		return "/yes " + id, true
	case "no":
		return "/no " + id, true
	default:
		return "", false
	}
}

func parseChatID(group string) (int64, error) {
	id, err := strconv.ParseInt(group, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a telegram chat id: %q", group)
	}
	return id, nil
}

// CountMembers returns the chat's member count, bots included.
func (c *Client) CountMembers(ctx context.Context, group string) (int, error) {
	chatID, err := parseChatID(group)
	if err != nil {
		return 0, err
	}
	var n int
	if err := c.call(ctx, "getChatMemberCount", map[string]int64{"chat_id": chatID}, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// ResolveDisplayName looks the user up in the chat.
func (c *Client) ResolveDisplayName(ctx context.Context, user, group string) (string, error) {
	chatID, err := parseChatID(group)
	if err != nil {
		return "", err
	}
	userID, err := strconv.ParseInt(user, 10, 64)
	if err != nil {
		return "", fmt.Errorf("not a telegram user id: %q", user)
	}
	var m chatMember
	if err := c.call(ctx, "getChatMember", map[string]int64{"chat_id": chatID, "user_id": userID}, &m); err != nil {
		return "", err
	}
	name := m.User.DisplayName()
	if name == "" {
		return "", fmt.Errorf("user %s has no name", user)
	}
	return name, nil
}
