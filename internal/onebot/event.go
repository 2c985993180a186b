package onebot

import (
	"encoding/json"
	"fmt"
	"time"
)

// GroupMessage is a group chat message received from the OneBot client.
type GroupMessage struct {
	GroupID   int64
	UserID    int64
	Nickname  string
	Text      string
	MessageID int64
	Time      time.Time
}

type rawEvent struct {
	PostType    string `json:"post_type"`
	MessageType string `json:"message_type"`
	GroupID     int64  `json:"group_id"`
	UserID      int64  `json:"user_id"`
	MessageID   int64  `json:"message_id"`
	RawMessage  string `json:"raw_message"`
	Time        int64  `json:"time"`
	Sender      struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
	} `json:"sender"`
	Echo any `json:"echo"`
}

// parseEvent decodes one OneBot v11 frame. Only group message events are
// returned; heartbeats, meta events and action responses yield ok=false.
func parseEvent(data []byte) (GroupMessage, bool, error) {
	var ev rawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return GroupMessage{}, false, fmt.Errorf("decode onebot frame: %w", err)
	}
	if ev.PostType != "message" || ev.MessageType != "group" {
		return GroupMessage{}, false, nil
	}

	nickname := ev.Sender.Card
	if nickname == "" {
		nickname = ev.Sender.Nickname
	}
	at := time.Unix(ev.Time, 0).UTC()
	if ev.Time == 0 {
		at = time.Now().UTC()
	}

	return GroupMessage{
		GroupID:   ev.GroupID,
		UserID:    ev.UserID,
		Nickname:  nickname,
		Text:      ev.RawMessage,
		MessageID: ev.MessageID,
		Time:      at,
	}, true, nil
}

type action struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Echo   string         `json:"echo,omitempty"`
}
