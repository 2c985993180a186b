package whitelist

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"msmpbot/internal/ai"
	"msmpbot/internal/crypto"
	"msmpbot/internal/onebot"
	"msmpbot/internal/queue"
	"msmpbot/internal/storage"
)

type fakeSender struct {
	texts []string
}

func (f *fakeSender) SendGroupMessage(_ context.Context, _ int64, text string) error {
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) last(t *testing.T) string {
	t.Helper()
	if len(f.texts) == 0 {
		t.Fatalf("no messages sent")
	}
	return f.texts[len(f.texts)-1]
}

type fakeRcon struct {
	commands []string
}

func (f *fakeRcon) Execute(_ context.Context, command string) (string, error) {
	f.commands = append(f.commands, command)
	return "", nil
}

type fakeChatter struct {
	replies []string
	errs    []error
	calls   int
}

func (f *fakeChatter) Chat(_ context.Context, _ ai.ChatRequest) (ai.ChatResponse, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return ai.ChatResponse{}, f.errs[i]
	}
	if i < len(f.replies) {
		return ai.ChatResponse{Text: f.replies[i]}, nil
	}
	return ai.ChatResponse{Text: ""}, nil
}

func newTestService(t *testing.T, chatter *fakeChatter) (*Service, *fakeSender, *fakeRcon, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := storage.Open(context.Background(), "sqlite", "file:"+t.TempDir()+"/audit.db", true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cm, err := crypto.NewManager("k1", map[string][]byte{"k1": make([]byte, 32)})
	if err != nil {
		t.Fatalf("new crypto manager: %v", err)
	}

	sender := &fakeSender{}
	exec := &fakeRcon{}
	svc := NewService(Config{
		Store:         store,
		Redis:         rdb,
		Queue:         queue.NewStreamQueue(rdb, "msmpbot:audit:jobs", "audit", "test", time.Millisecond),
		Rcon:          exec,
		Sender:        sender,
		Crypto:        cm,
		QuestionCount: 2,
		PassScore:     12,
		AnswerTimeout: time.Minute,
		AIBaseURL:     "https://example.invalid/v1",
		AIAPIKey:      "sk-test",
		AIModel:       "test-model",
		AIFactory: func(string, string) ai.Chatter {
			return chatter
		},
	})
	return svc, sender, exec, rdb
}

func TestAuditFlowPass(t *testing.T) {
	chatter := &fakeChatter{replies: []string{
		"1. 你为什么想加入？\n2. 你会遵守规则吗？",
		"8\n9",
	}}
	svc, sender, exec, rdb := newTestService(t, chatter)
	ctx := context.Background()

	if err := svc.handleApply(ctx, onebot.GroupMessage{GroupID: 1, UserID: 10001, Nickname: "nick"}, "Steve"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !strings.Contains(sender.last(t), "审核已受理") {
		t.Fatalf("expected accept reply, got %q", sender.last(t))
	}

	msgs := drainQueue(t, svc)
	if len(msgs) != 1 || msgs[0].Job.Kind != queue.JobKindQuestions {
		t.Fatalf("expected one question job, got %+v", msgs)
	}
	if err := svc.ProcessJob(ctx, msgs[0].Job); err != nil {
		t.Fatalf("process questions: %v", err)
	}
	if !strings.Contains(sender.last(t), "第 1/2 题") {
		t.Fatalf("expected first question, got %q", sender.last(t))
	}

	if err := svc.handleAnswer(ctx, onebot.GroupMessage{GroupID: 1, UserID: 10001}, "因为朋友都在"); err != nil {
		t.Fatalf("answer 1: %v", err)
	}
	if !strings.Contains(sender.last(t), "第 2/2 题") {
		t.Fatalf("expected second question, got %q", sender.last(t))
	}
	if err := svc.handleAnswer(ctx, onebot.GroupMessage{GroupID: 1, UserID: 10001}, "一定遵守"); err != nil {
		t.Fatalf("answer 2: %v", err)
	}
	if !strings.Contains(sender.last(t), "正在评分") {
		t.Fatalf("expected scoring reply, got %q", sender.last(t))
	}

	msgs = drainQueue(t, svc)
	if len(msgs) != 1 || msgs[0].Job.Kind != queue.JobKindScore {
		t.Fatalf("expected one score job, got %+v", msgs)
	}
	if err := svc.ProcessJob(ctx, msgs[0].Job); err != nil {
		t.Fatalf("process score: %v", err)
	}
	if !strings.Contains(sender.last(t), "审核通过") {
		t.Fatalf("expected pass reply, got %q", sender.last(t))
	}

	if len(exec.commands) != 1 || exec.commands[0] != "whitelist add Steve" {
		t.Fatalf("unexpected rcon commands %v", exec.commands)
	}
	ok, err := svc.cfg.Store.IsWhitelisted(ctx, "Steve")
	if err != nil || !ok {
		t.Fatalf("expected Steve whitelisted, ok=%v err=%v", ok, err)
	}
	records, err := svc.cfg.Store.ListAuditRecordsByQQ(ctx, 10001, 10)
	if err != nil || len(records) != 1 || !records[0].Passed || records[0].Score != 17 {
		t.Fatalf("unexpected audit records %+v err=%v", records, err)
	}
	if keys, _ := rdb.Keys(ctx, "msmpbot:audit:*").Result(); hasSessionKey(keys) {
		t.Fatalf("session keys must be cleared, got %v", keys)
	}
}

func TestAuditFlowFailSetsCooldown(t *testing.T) {
	chatter := &fakeChatter{replies: []string{
		"1. 问题一\n2. 问题二",
		"2\n3",
	}}
	svc, sender, exec, rdb := newTestService(t, chatter)
	ctx := context.Background()

	runAuditToScore(t, svc, 1, 42, "Alex")
	msgs := drainQueue(t, svc)
	if err := svc.ProcessJob(ctx, msgs[0].Job); err != nil {
		t.Fatalf("process score: %v", err)
	}
	if !strings.Contains(sender.last(t), "审核未通过") {
		t.Fatalf("expected fail reply, got %q", sender.last(t))
	}
	if len(exec.commands) != 0 {
		t.Fatalf("failed audit must not touch the whitelist, got %v", exec.commands)
	}

	if ttl, err := rdb.TTL(ctx, cooldownKey(42)).Result(); err != nil || ttl <= 0 {
		t.Fatalf("expected cooldown, ttl=%v err=%v", ttl, err)
	}
	if err := svc.handleApply(ctx, onebot.GroupMessage{GroupID: 1, UserID: 42}, "Alex"); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if !strings.Contains(sender.last(t), "冷却") {
		t.Fatalf("expected cooldown reply, got %q", sender.last(t))
	}
}

func TestAuditFallsBackToDefaultQuestions(t *testing.T) {
	chatter := &fakeChatter{replies: []string{"服务暂时不可用"}}
	svc, sender, _, _ := newTestService(t, chatter)
	ctx := context.Background()

	if err := svc.processQuestions(ctx, queue.AuditJob{
		Kind: queue.JobKindQuestions, GroupID: 1, QQID: 7, GameID: "Steve",
	}); err != nil {
		t.Fatalf("process questions: %v", err)
	}
	sess, err := svc.loadSession(ctx, 1, 7)
	if err != nil || sess == nil {
		t.Fatalf("expected session, err=%v", err)
	}
	if len(sess.Questions) != 2 {
		t.Fatalf("expected 2 fallback questions, got %v", sess.Questions)
	}
	for _, q := range sess.Questions {
		if !containsQuestion(defaultQuestions, q) {
			t.Fatalf("question %q not from the default bank", q)
		}
	}
	if !strings.Contains(sender.last(t), "第 1/2 题") {
		t.Fatalf("expected first question, got %q", sender.last(t))
	}
}

func TestApplyValidation(t *testing.T) {
	svc, sender, _, _ := newTestService(t, &fakeChatter{})
	ctx := context.Background()

	if err := svc.handleApply(ctx, onebot.GroupMessage{GroupID: 1, UserID: 1}, "x"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !strings.Contains(sender.last(t), "用法") {
		t.Fatalf("expected usage reply, got %q", sender.last(t))
	}

	if err := svc.cfg.Store.AddWhitelist(ctx, storage.WhitelistEntry{GameID: "Taken", QQID: 2}); err != nil {
		t.Fatalf("seed whitelist: %v", err)
	}
	if err := svc.handleApply(ctx, onebot.GroupMessage{GroupID: 1, UserID: 1}, "Taken"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !strings.Contains(sender.last(t), "已经在白名单") {
		t.Fatalf("expected already-whitelisted reply, got %q", sender.last(t))
	}
}

func TestBusyGameIDRejected(t *testing.T) {
	svc, sender, _, _ := newTestService(t, &fakeChatter{replies: []string{"1. 一\n2. 二", "1. 一\n2. 二"}})
	ctx := context.Background()

	if err := svc.handleApply(ctx, onebot.GroupMessage{GroupID: 1, UserID: 11}, "Steve"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := svc.handleApply(ctx, onebot.GroupMessage{GroupID: 1, UserID: 22}, "Steve"); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if !strings.Contains(sender.last(t), "正在被其他人审核") {
		t.Fatalf("expected busy reply, got %q", sender.last(t))
	}
}

func TestSetAIOverrideRoundTrip(t *testing.T) {
	svc, sender, _, _ := newTestService(t, &fakeChatter{})
	ctx := context.Background()

	err := svc.handleAdmin(ctx, onebot.GroupMessage{GroupID: 1, UserID: 1},
		"setai https://api.deepseek.com/v1 deepseek-chat sk-secret")
	if err != nil {
		t.Fatalf("setai: %v", err)
	}
	if !strings.Contains(sender.last(t), "已更新") {
		t.Fatalf("expected update reply, got %q", sender.last(t))
	}

	// The stored key must be sealed, not plaintext.
	raw, err := svc.cfg.Store.GetSetting(ctx, aiSettingsKey)
	if err != nil {
		t.Fatalf("get setting: %v", err)
	}
	if strings.Contains(raw, "sk-secret") {
		t.Fatalf("api key stored in plaintext: %s", raw)
	}

	var gotBase, gotKey string
	svc.cfg.AIFactory = func(baseURL, apiKey string) ai.Chatter {
		gotBase, gotKey = baseURL, apiKey
		return &fakeChatter{}
	}
	_, model, err := svc.chatter(ctx)
	if err != nil {
		t.Fatalf("chatter: %v", err)
	}
	if model != "deepseek-chat" || gotBase != "https://api.deepseek.com/v1" || gotKey != "sk-secret" {
		t.Fatalf("override not applied: model=%q base=%q key=%q", model, gotBase, gotKey)
	}
}

func TestWhitelistCapCountsPerQQ(t *testing.T) {
	chatter := &fakeChatter{replies: []string{"1. 一\n2. 二"}}
	svc, sender, _, _ := newTestService(t, chatter)
	svc.cfg.MaxWhitelist = 1
	ctx := context.Background()

	if err := svc.cfg.Store.AddWhitelist(ctx, storage.WhitelistEntry{GameID: "Occupied", QQID: 999}); err != nil {
		t.Fatalf("seed whitelist: %v", err)
	}

	// The holder of a full quota is rejected.
	if err := svc.handleApply(ctx, onebot.GroupMessage{GroupID: 1, UserID: 999}, "Another"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !strings.Contains(sender.last(t), "名额已用完") {
		t.Fatalf("expected quota reply, got %q", sender.last(t))
	}

	// A fresh applicant is not blocked by someone else's entries.
	if err := svc.handleApply(ctx, onebot.GroupMessage{GroupID: 1, UserID: 1}, "Newcomer"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !strings.Contains(sender.last(t), "审核已受理") {
		t.Fatalf("expected accept reply, got %q", sender.last(t))
	}
}

func TestAdminServerWhitelistCommands(t *testing.T) {
	svc, sender, exec, _ := newTestService(t, &fakeChatter{})
	ctx := context.Background()

	for _, sub := range []string{"on", "off", "reload", "serverlist"} {
		if err := svc.handleAdmin(ctx, onebot.GroupMessage{GroupID: 1, UserID: 1}, sub); err != nil {
			t.Fatalf("admin %s: %v", sub, err)
		}
	}
	want := []string{"whitelist on", "whitelist off", "whitelist reload", "whitelist list"}
	if len(exec.commands) != len(want) {
		t.Fatalf("unexpected rcon commands %v", exec.commands)
	}
	for i := range want {
		if exec.commands[i] != want[i] {
			t.Fatalf("unexpected rcon commands %v", exec.commands)
		}
	}
	if sender.last(t) == "" {
		t.Fatalf("expected a reply for serverlist")
	}
}

func TestResendFinalAnswerNotDuplicated(t *testing.T) {
	svc, sender, _, _ := newTestService(t, &fakeChatter{})
	ctx := context.Background()

	full := &session{
		GameID:    "Steve",
		Questions: []string{"一", "二"},
		Answers:   []string{"答一", "答二"},
		Index:     1,
		AskedAt:   time.Now().UTC(),
		StartedAt: time.Now().UTC(),
	}
	if err := svc.saveSession(ctx, 1, 7, full); err != nil {
		t.Fatalf("save session: %v", err)
	}

	if err := svc.handleAnswer(ctx, onebot.GroupMessage{GroupID: 1, UserID: 7}, "答二"); err != nil {
		t.Fatalf("resend answer: %v", err)
	}
	if !strings.Contains(sender.last(t), "正在评分") {
		t.Fatalf("expected scoring reply, got %q", sender.last(t))
	}
	sess, err := svc.loadSession(ctx, 1, 7)
	if err != nil || sess == nil {
		t.Fatalf("expected session, err=%v", err)
	}
	if len(sess.Answers) != len(sess.Questions) {
		t.Fatalf("answers duplicated: %v", sess.Answers)
	}
	msgs := drainQueue(t, svc)
	if len(msgs) != 1 || msgs[0].Job.Kind != queue.JobKindScore {
		t.Fatalf("expected one score job, got %+v", msgs)
	}
}

func runAuditToScore(t *testing.T, svc *Service, groupID, qqID int64, gameID string) {
	t.Helper()
	ctx := context.Background()
	if err := svc.handleApply(ctx, onebot.GroupMessage{GroupID: groupID, UserID: qqID}, gameID); err != nil {
		t.Fatalf("apply: %v", err)
	}
	msgs := drainQueue(t, svc)
	if len(msgs) != 1 {
		t.Fatalf("expected question job, got %+v", msgs)
	}
	if err := svc.ProcessJob(ctx, msgs[0].Job); err != nil {
		t.Fatalf("process questions: %v", err)
	}
	sess, err := svc.loadSession(ctx, groupID, qqID)
	if err != nil || sess == nil {
		t.Fatalf("expected session, err=%v", err)
	}
	for range sess.Questions {
		if err := svc.handleAnswer(ctx, onebot.GroupMessage{GroupID: groupID, UserID: qqID}, "随便答一下"); err != nil {
			t.Fatalf("answer: %v", err)
		}
	}
}

func drainQueue(t *testing.T, svc *Service) []queue.Message {
	t.Helper()
	ctx := context.Background()
	if err := svc.cfg.Queue.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	msgs, err := svc.cfg.Queue.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read queue: %v", err)
	}
	for _, m := range msgs {
		if err := svc.cfg.Queue.Ack(ctx, m.ID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	return msgs
}

func hasSessionKey(keys []string) bool {
	for _, k := range keys {
		if strings.HasPrefix(k, "msmpbot:audit:sess:") || strings.HasPrefix(k, "msmpbot:audit:busy:") {
			return true
		}
	}
	return false
}

func containsQuestion(bank []string, q string) bool {
	for _, b := range bank {
		if b == q {
			return true
		}
	}
	return false
}
