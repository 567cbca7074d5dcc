package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Adapter implementation for TelegramChannel, so the outbound dispatcher
// can address it like any other channel.

func (t *TelegramChannel) ChannelType() string { return "telegram" }

// SendText delivers text to a chat id. The returned status mimics HTTP so
// the dispatcher's retry classifier has one vocabulary across transports.
func (t *TelegramChannel) SendText(ctx context.Context, recipient, text string) (int, error) {
	if t.bot == nil {
		return 503, fmt.Errorf("telegram: bot not connected")
	}
	chatID, err := strconv.ParseInt(strings.TrimPrefix(recipient, "tg:"), 10, 64)
	if err != nil {
		return 400, fmt.Errorf("telegram: recipient %q is not a chat id: %w", recipient, err)
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && tgErr.Code > 0 {
			return tgErr.Code, err
		}
		return 502, err
	}
	return 200, nil
}

// inboundFrame is the minimal slice of an update payload ParseInbound
// needs: enough to spot history-sync frames and lift out a message.
type inboundFrame struct {
	Data struct {
		Type string `json:"type"`
	} `json:"data"`
	Message struct {
		MessageID int64 `json:"message_id"`
		From      struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

// ParseInbound decodes one raw update payload. History-sync frames
// (data.type == "append", case-insensitive) are dropped before they can
// reach a thread.
func (t *TelegramChannel) ParseInbound(payload []byte) ([]Inbound, error) {
	var frame inboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("telegram: decode inbound: %w", err)
	}
	if strings.EqualFold(frame.Data.Type, "append") {
		return nil, nil
	}
	if frame.Message.Text == "" {
		return nil, nil
	}
	return []Inbound{{
		ExternalMsgID: strconv.FormatInt(frame.Message.MessageID, 10),
		SenderID:      strconv.FormatInt(frame.Message.From.ID, 10),
		Text:          frame.Message.Text,
	}}, nil
}

// TypingPaused is a no-op for Telegram: chat actions expire on their own a
// few seconds after the send, which is exactly the "typing paused" signal.
func (t *TelegramChannel) TypingPaused(ctx context.Context, recipient string) {}
