package onebot

import (
	"context"
	"testing"
)

type captureSender struct {
	groupID int64
	texts   []string
}

func (c *captureSender) SendGroupMessage(_ context.Context, groupID int64, text string) error {
	c.groupID = groupID
	c.texts = append(c.texts, text)
	return nil
}

func TestDispatchRoutesByNameAndAlias(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})

	var gotArgs string
	var calls int
	d.Register(Command{
		Name:    "绑定",
		Aliases: []string{"bind"},
		Handler: func(_ context.Context, _ GroupMessage, args string) error {
			calls++
			gotArgs = args
			return nil
		},
	})

	d.Dispatch(context.Background(), GroupMessage{GroupID: 1, UserID: 2, Text: "绑定 Steve"})
	if calls != 1 || gotArgs != "Steve" {
		t.Fatalf("expected handler call with args Steve, got calls=%d args=%q", calls, gotArgs)
	}

	d.Dispatch(context.Background(), GroupMessage{GroupID: 1, UserID: 2, Text: "bind Alex extra"})
	if calls != 2 || gotArgs != "Alex extra" {
		t.Fatalf("expected alias dispatch, got calls=%d args=%q", calls, gotArgs)
	}
}

func TestDispatchAdminOnly(t *testing.T) {
	sender := &captureSender{}
	d := NewDispatcher(DispatcherConfig{
		AdminQQIDs: []int64{999},
		Sender:     sender,
	})

	var calls int
	d.Register(Command{
		Name:      "区块删除",
		AdminOnly: true,
		Handler: func(_ context.Context, _ GroupMessage, _ string) error {
			calls++
			return nil
		},
	})

	d.Dispatch(context.Background(), GroupMessage{GroupID: 5, UserID: 100, Text: "区块删除 overworld 0 0"})
	if calls != 0 {
		t.Fatalf("non-admin must not reach handler")
	}
	if len(sender.texts) != 1 || sender.groupID != 5 {
		t.Fatalf("expected denial reply in group, got %+v", sender.texts)
	}

	d.Dispatch(context.Background(), GroupMessage{GroupID: 5, UserID: 999, Text: "区块删除 overworld 0 0"})
	if calls != 1 {
		t.Fatalf("admin dispatch expected, got %d calls", calls)
	}
}

func TestDispatchFallback(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	d.Register(Command{Name: "mc", Handler: func(_ context.Context, _ GroupMessage, _ string) error { return nil }})

	var fallbacks int
	d.OnMessage(func(_ context.Context, _ GroupMessage) { fallbacks++ })

	d.Dispatch(context.Background(), GroupMessage{GroupID: 1, UserID: 2, Text: "just chatting"})
	if fallbacks != 1 {
		t.Fatalf("expected fallback for unmatched message, got %d", fallbacks)
	}

	d.Dispatch(context.Background(), GroupMessage{GroupID: 1, UserID: 2, Text: "mc hello"})
	if fallbacks != 1 {
		t.Fatalf("matched command must not hit fallback, got %d", fallbacks)
	}
}

func TestParseEvent(t *testing.T) {
	frame := `{"post_type":"message","message_type":"group","group_id":123,"user_id":456,"message_id":789,"raw_message":"绑定 Steve","time":1756000000,"sender":{"nickname":"nick","card":"groupcard"}}`
	ev, ok, err := parseEvent([]byte(frame))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !ok {
		t.Fatalf("expected group message event")
	}
	if ev.GroupID != 123 || ev.UserID != 456 || ev.Text != "绑定 Steve" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Nickname != "groupcard" {
		t.Fatalf("group card should win over nickname, got %q", ev.Nickname)
	}

	if _, ok, err := parseEvent([]byte(`{"post_type":"meta_event","meta_event_type":"heartbeat"}`)); err != nil || ok {
		t.Fatalf("heartbeat must be skipped, ok=%v err=%v", ok, err)
	}
}
