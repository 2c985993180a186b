package binding

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"msmpbot/internal/mclog"
	"msmpbot/internal/onebot"
	"msmpbot/internal/storage"
)

type fakeSender struct {
	texts []string
}

func (f *fakeSender) SendGroupMessage(_ context.Context, _ int64, text string) error {
	f.texts = append(f.texts, text)
	return nil
}

type fakeRcon struct {
	commands []string
}

func (f *fakeRcon) Execute(_ context.Context, command string) (string, error) {
	f.commands = append(f.commands, command)
	return "", nil
}

func newTestService(t *testing.T) (*Service, *fakeSender, *fakeRcon, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := storage.Open(context.Background(), "sqlite", "file:"+t.TempDir()+"/bind.db", true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sender := &fakeSender{}
	exec := &fakeRcon{}
	svc := NewService(Config{
		Store:         store,
		Redis:         rdb,
		Rcon:          exec,
		Sender:        sender,
		MaxPerQQ:      1,
		VerifyTimeout: time.Minute,
	})
	return svc, sender, exec, rdb
}

func pendingCode(t *testing.T, rdb *redis.Client) string {
	t.Helper()
	keys, err := rdb.Keys(context.Background(), "msmpbot:verify:*").Result()
	if err != nil {
		t.Fatalf("list verify keys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected one pending code, got %v", keys)
	}
	return strings.TrimPrefix(keys[0], "msmpbot:verify:")
}

func TestBindVerifyFlow(t *testing.T) {
	svc, sender, exec, rdb := newTestService(t)
	ctx := context.Background()

	if err := svc.handleBind(ctx, onebot.GroupMessage{GroupID: 1, UserID: 10001}, "Steve"); err != nil {
		t.Fatalf("handle bind: %v", err)
	}
	if len(sender.texts) != 1 || !strings.Contains(sender.texts[0], "验证码") {
		t.Fatalf("expected verify code prompt, got %v", sender.texts)
	}
	code := pendingCode(t, rdb)

	// Wrong player typing the code must not bind.
	svc.HandleChat(ctx, mclog.Event{Player: "Alex", Message: code})
	if _, err := svc.cfg.Store.GetBindingByGameID(ctx, "Steve"); err == nil {
		t.Fatalf("binding must not exist after wrong player verification")
	}

	svc.HandleChat(ctx, mclog.Event{Player: "Steve", Message: code})
	b, err := svc.cfg.Store.GetBindingByGameID(ctx, "Steve")
	if err != nil {
		t.Fatalf("expected binding after verification: %v", err)
	}
	if b.QQID != 10001 {
		t.Fatalf("unexpected binding %+v", b)
	}
	if len(exec.commands) == 0 || !strings.HasPrefix(exec.commands[len(exec.commands)-1], "tell Steve") {
		t.Fatalf("expected rcon tell on success, got %v", exec.commands)
	}

	// Code is consumed.
	svc.HandleChat(ctx, mclog.Event{Player: "Steve", Message: code})
	keys, _ := rdb.Keys(ctx, "msmpbot:verify:*").Result()
	if len(keys) != 0 {
		t.Fatalf("verify code must be deleted, got %v", keys)
	}
}

func TestBindValidation(t *testing.T) {
	svc, sender, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.handleBind(ctx, onebot.GroupMessage{GroupID: 1, UserID: 1}, "ab"); err != nil {
		t.Fatalf("handle bind: %v", err)
	}
	if len(sender.texts) != 1 || !strings.Contains(sender.texts[0], "用法") {
		t.Fatalf("expected usage reply for short id, got %v", sender.texts)
	}

	if err := svc.handleBind(ctx, onebot.GroupMessage{GroupID: 1, UserID: 1}, "bad name!"); err != nil {
		t.Fatalf("handle bind: %v", err)
	}
	if len(sender.texts) != 2 || !strings.Contains(sender.texts[1], "用法") {
		t.Fatalf("expected usage reply for invalid chars, got %v", sender.texts)
	}
}

func TestBindRespectsPerQQLimit(t *testing.T) {
	svc, sender, _, rdb := newTestService(t)
	ctx := context.Background()

	if err := svc.cfg.Store.CreateBinding(ctx, storage.Binding{QQID: 7, GameID: "First"}); err != nil {
		t.Fatalf("seed binding: %v", err)
	}
	if err := svc.handleBind(ctx, onebot.GroupMessage{GroupID: 1, UserID: 7}, "Second"); err != nil {
		t.Fatalf("handle bind: %v", err)
	}
	if len(sender.texts) != 1 || !strings.Contains(sender.texts[0], "最多绑定") {
		t.Fatalf("expected limit reply, got %v", sender.texts)
	}
	keys, _ := rdb.Keys(ctx, "msmpbot:verify:*").Result()
	if len(keys) != 0 {
		t.Fatalf("no code should be issued past the limit")
	}
}

func TestAdminDeleteByQQAndGameID(t *testing.T) {
	svc, sender, _, _ := newTestService(t)
	ctx := context.Background()

	for _, b := range []storage.Binding{
		{QQID: 7, GameID: "Steve"},
		{QQID: 7, GameID: "Steve_alt"},
		{QQID: 8, GameID: "Alex"},
	} {
		if err := svc.cfg.Store.CreateBinding(ctx, b); err != nil {
			t.Fatalf("seed binding %s: %v", b.GameID, err)
		}
	}

	// A numeric target removes every binding held by that QQ.
	if err := svc.handleAdmin(ctx, onebot.GroupMessage{GroupID: 1, UserID: 1}, "delete 7"); err != nil {
		t.Fatalf("delete by qq: %v", err)
	}
	if !strings.Contains(sender.texts[len(sender.texts)-1], "2 条绑定") {
		t.Fatalf("expected two bindings removed, got %v", sender.texts)
	}
	if left, _ := svc.cfg.Store.ListBindingsByQQ(ctx, 7); len(left) != 0 {
		t.Fatalf("bindings for qq 7 must be gone, got %+v", left)
	}

	// A game id target still works and leaves other users alone.
	if err := svc.handleAdmin(ctx, onebot.GroupMessage{GroupID: 1, UserID: 1}, "delete Alex"); err != nil {
		t.Fatalf("delete by game id: %v", err)
	}
	if _, err := svc.cfg.Store.GetBindingByGameID(ctx, "Alex"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected Alex binding removed, got %v", err)
	}
}

func TestUnbindOwnership(t *testing.T) {
	svc, sender, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.cfg.Store.CreateBinding(ctx, storage.Binding{QQID: 7, GameID: "Steve"}); err != nil {
		t.Fatalf("seed binding: %v", err)
	}

	if err := svc.handleUnbind(ctx, onebot.GroupMessage{GroupID: 1, UserID: 8}, "Steve"); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if !strings.Contains(sender.texts[len(sender.texts)-1], "没有找到") {
		t.Fatalf("expected not-found reply for foreign binding, got %v", sender.texts)
	}

	if err := svc.handleUnbind(ctx, onebot.GroupMessage{GroupID: 1, UserID: 7}, "Steve"); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if !strings.Contains(sender.texts[len(sender.texts)-1], "已解绑") {
		t.Fatalf("expected unbind success reply, got %v", sender.texts)
	}
}
