package whitelist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"msmpbot/internal/ai"
	"msmpbot/internal/crypto"
	"msmpbot/internal/metrics"
	"msmpbot/internal/onebot"
	"msmpbot/internal/queue"
	"msmpbot/internal/rcon"
	"msmpbot/internal/storage"
)

const aiSettingsKey = "whitelist_ai"

var gameIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{3,16}$`)

// CommandTemplates are the console commands used to maintain the server
// whitelist. {player} is replaced with the game id.
type CommandTemplates struct {
	Add    string
	Remove string
	List   string
	On     string
	Off    string
	Reload string
}

type aiOverride struct {
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	EncAPIKey string `json:"enc_api_key"`
}

type session struct {
	GameID    string    `json:"game_id"`
	Nickname  string    `json:"nickname"`
	Questions []string  `json:"questions"`
	Answers   []string  `json:"answers"`
	Index     int       `json:"index"`
	AskedAt   time.Time `json:"asked_at"`
	StartedAt time.Time `json:"started_at"`
}

type Config struct {
	Store   *storage.Store
	Redis   *redis.Client
	Queue   *queue.StreamQueue
	Rcon    rcon.Executor
	Sender  onebot.Sender
	Crypto  *crypto.Manager
	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	GroupIDs      []int64
	QuestionCount int
	PassScore     int
	AnswerTimeout time.Duration
	SessionTTL    time.Duration
	Cooldown      time.Duration
	MaxWhitelist  int
	Commands      CommandTemplates

	// Default AI endpoint from the environment. A setai override
	// persisted in plugin settings takes precedence.
	AIBaseURL string
	AIAPIKey  string
	AIModel   string

	// AIFactory builds a chat client for a given endpoint. Tests swap it
	// for a canned model.
	AIFactory func(baseURL, apiKey string) ai.Chatter
}

// Service runs the AI-assisted whitelist audit: question generation,
// per-question timed answers, scoring, and whitelist maintenance over
// RCON.
type Service struct {
	cfg Config
}

func NewService(cfg Config) *Service {
	if cfg.QuestionCount < 1 {
		cfg.QuestionCount = 6
	}
	if cfg.PassScore <= 0 {
		cfg.PassScore = cfg.QuestionCount * 10 * 60 / 100
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = 180 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Hour
	}
	if cfg.Commands.Add == "" {
		cfg.Commands.Add = "whitelist add {player}"
	}
	if cfg.Commands.Remove == "" {
		cfg.Commands.Remove = "whitelist remove {player}"
	}
	if cfg.Commands.List == "" {
		cfg.Commands.List = "whitelist list"
	}
	if cfg.Commands.On == "" {
		cfg.Commands.On = "whitelist on"
	}
	if cfg.Commands.Off == "" {
		cfg.Commands.Off = "whitelist off"
	}
	if cfg.Commands.Reload == "" {
		cfg.Commands.Reload = "whitelist reload"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.AIFactory == nil {
		cfg.AIFactory = func(baseURL, apiKey string) ai.Chatter {
			return ai.New(ai.Config{BaseURL: baseURL, APIKey: apiKey, MaxRetries: 2})
		}
	}
	return &Service{cfg: cfg}
}

func (s *Service) Register(d *onebot.Dispatcher) {
	d.Register(onebot.Command{Name: "白名单审核", Aliases: []string{"audit"}, Handler: s.handleApply})
	d.Register(onebot.Command{Name: "答案", Aliases: []string{"answer"}, Handler: s.handleAnswer})
	d.Register(onebot.Command{Name: "审核状态", Aliases: []string{"auditstatus"}, Handler: s.handleStatus})
	d.Register(onebot.Command{Name: "白名单管理", Aliases: []string{"wladmin"}, AdminOnly: true, Handler: s.handleAdmin})
}

func (s *Service) handleApply(ctx context.Context, ev onebot.GroupMessage, args string) error {
	if !s.groupAllowed(ev.GroupID) {
		return nil
	}
	gameID := strings.TrimSpace(args)
	if !gameIDRegex.MatchString(gameID) {
		return s.reply(ctx, ev.GroupID, "用法：白名单审核 <游戏ID>（3-16位字母、数字或下划线）")
	}

	whitelisted, err := s.cfg.Store.IsWhitelisted(ctx, gameID)
	if err != nil {
		return fmt.Errorf("whitelist lookup: %w", err)
	}
	if whitelisted {
		return s.reply(ctx, ev.GroupID, fmt.Sprintf("%s 已经在白名单中", gameID))
	}

	if ttl, err := s.cfg.Redis.TTL(ctx, cooldownKey(ev.UserID)).Result(); err == nil && ttl > 0 {
		return s.reply(ctx, ev.GroupID, fmt.Sprintf("审核失败冷却中，请 %d 分钟后再试", int(ttl.Minutes())+1))
	}

	if exists, err := s.cfg.Redis.Exists(ctx, sessKey(ev.GroupID, ev.UserID)).Result(); err == nil && exists > 0 {
		return s.reply(ctx, ev.GroupID, "你已有进行中的审核，请先用 答案 <内容> 回答当前问题")
	}

	if s.cfg.MaxWhitelist > 0 {
		n, err := s.cfg.Store.CountWhitelistByQQ(ctx, ev.UserID)
		if err != nil {
			return fmt.Errorf("count whitelist: %w", err)
		}
		if n >= s.cfg.MaxWhitelist {
			return s.reply(ctx, ev.GroupID, fmt.Sprintf("你的白名单名额已用完（每个QQ上限 %d）", s.cfg.MaxWhitelist))
		}
	}

	ok, err := s.cfg.Redis.SetNX(ctx, busyKey(gameID), strconv.FormatInt(ev.UserID, 10), s.cfg.SessionTTL).Result()
	if err != nil {
		return fmt.Errorf("mark game id busy: %w", err)
	}
	if !ok {
		return s.reply(ctx, ev.GroupID, fmt.Sprintf("%s 正在被其他人审核", gameID))
	}

	if _, err := s.cfg.Queue.Enqueue(ctx, queue.AuditJob{
		Kind:     queue.JobKindQuestions,
		GroupID:  ev.GroupID,
		QQID:     ev.UserID,
		Nickname: ev.Nickname,
		GameID:   gameID,
	}); err != nil {
		_ = s.cfg.Redis.Del(ctx, busyKey(gameID)).Err()
		s.cfg.Logger.Error().Err(err).Msg("enqueue question job failed")
		return s.reply(ctx, ev.GroupID, "审核队列暂不可用，请稍后再试")
	}
	s.cfg.Metrics.EnqueuedJobs.Inc()
	return s.reply(ctx, ev.GroupID, "审核已受理，正在准备问题…")
}

func (s *Service) handleAnswer(ctx context.Context, ev onebot.GroupMessage, args string) error {
	if !s.groupAllowed(ev.GroupID) {
		return nil
	}
	answer := strings.TrimSpace(args)
	if answer == "" {
		return s.reply(ctx, ev.GroupID, "用法：答案 <你的回答>")
	}

	sess, err := s.loadSession(ctx, ev.GroupID, ev.UserID)
	if err != nil {
		return err
	}
	if sess == nil {
		return s.reply(ctx, ev.GroupID, "你没有进行中的审核，使用 白名单审核 <游戏ID> 开始")
	}

	if time.Since(sess.AskedAt) > s.cfg.AnswerTimeout {
		return s.failSession(ctx, ev.GroupID, ev.UserID, sess, 0, "回答超时")
	}

	// A re-sent final answer after a failed scoring enqueue must not
	// append a second time.
	if len(sess.Answers) < len(sess.Questions) {
		sess.Answers = append(sess.Answers, answer)
	}
	if sess.Index+1 < len(sess.Questions) {
		sess.Index++
		sess.AskedAt = time.Now().UTC()
		if err := s.saveSession(ctx, ev.GroupID, ev.UserID, sess); err != nil {
			return err
		}
		return s.reply(ctx, ev.GroupID, s.questionText(sess))
	}

	if err := s.saveSession(ctx, ev.GroupID, ev.UserID, sess); err != nil {
		return err
	}
	if _, err := s.cfg.Queue.Enqueue(ctx, queue.AuditJob{
		Kind:     queue.JobKindScore,
		GroupID:  ev.GroupID,
		QQID:     ev.UserID,
		Nickname: sess.Nickname,
		GameID:   sess.GameID,
	}); err != nil {
		s.cfg.Logger.Error().Err(err).Msg("enqueue score job failed")
		return s.reply(ctx, ev.GroupID, "评分队列暂不可用，请稍后重新发送最后一个答案")
	}
	s.cfg.Metrics.EnqueuedJobs.Inc()
	return s.reply(ctx, ev.GroupID, "已收到全部答案，正在评分…")
}

func (s *Service) handleStatus(ctx context.Context, ev onebot.GroupMessage, _ string) error {
	if !s.groupAllowed(ev.GroupID) {
		return nil
	}
	sess, err := s.loadSession(ctx, ev.GroupID, ev.UserID)
	if err != nil {
		return err
	}
	if sess == nil {
		return s.reply(ctx, ev.GroupID, "你没有进行中的审核")
	}
	remain := s.cfg.AnswerTimeout - time.Since(sess.AskedAt)
	if remain < 0 {
		remain = 0
	}
	return s.reply(ctx, ev.GroupID, fmt.Sprintf(
		"审核进行中：%s，第 %d/%d 题，剩余作答时间 %d 秒",
		sess.GameID, sess.Index+1, len(sess.Questions), int(remain.Seconds())))
}

func (s *Service) handleAdmin(ctx context.Context, ev onebot.GroupMessage, args string) error {
	sub, rest := splitFirstWord(args)
	switch sub {
	case "list":
		entries, err := s.cfg.Store.ListWhitelist(ctx)
		if err != nil {
			return fmt.Errorf("list whitelist: %w", err)
		}
		if len(entries) == 0 {
			return s.reply(ctx, ev.GroupID, "白名单为空")
		}
		lines := []string{fmt.Sprintf("白名单（%d）：", len(entries))}
		for _, e := range entries {
			lines = append(lines, fmt.Sprintf("- %s (QQ %d)", e.GameID, e.QQID))
		}
		return s.reply(ctx, ev.GroupID, strings.Join(lines, "\n"))

	case "remove":
		gameID := strings.TrimSpace(rest)
		if gameID == "" {
			return s.reply(ctx, ev.GroupID, "用法：白名单管理 remove <游戏ID>")
		}
		if err := s.cfg.Store.RemoveWhitelist(ctx, gameID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return s.reply(ctx, ev.GroupID, "白名单中没有该游戏ID")
			}
			return fmt.Errorf("remove whitelist: %w", err)
		}
		if _, err := s.cfg.Rcon.Execute(ctx, renderCommand(s.cfg.Commands.Remove, gameID)); err != nil {
			s.cfg.Logger.Error().Err(err).Str("game_id", gameID).Msg("rcon whitelist remove failed")
		}
		_ = s.cfg.Store.LogOp(ctx, storage.OpEntry{
			Actor:    ev.UserID,
			Action:   "whitelist_remove",
			MetaJSON: fmt.Sprintf(`{"game_id":%q}`, gameID),
		})
		return s.reply(ctx, ev.GroupID, fmt.Sprintf("已将 %s 移出白名单", gameID))

	case "reset":
		qqID, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if err != nil || qqID <= 0 {
			return s.reply(ctx, ev.GroupID, "用法：白名单管理 reset <QQ号>")
		}
		_ = s.cfg.Redis.Del(ctx, cooldownKey(qqID)).Err()
		_ = s.cfg.Redis.Del(ctx, sessKey(ev.GroupID, qqID)).Err()
		_ = s.cfg.Store.LogOp(ctx, storage.OpEntry{
			Actor:    ev.UserID,
			Action:   "audit_reset",
			MetaJSON: fmt.Sprintf(`{"qq_id":%d}`, qqID),
		})
		return s.reply(ctx, ev.GroupID, fmt.Sprintf("已重置 QQ %d 的审核状态", qqID))

	case "serverlist":
		out, err := s.cfg.Rcon.Execute(ctx, s.cfg.Commands.List)
		if err != nil {
			return fmt.Errorf("rcon whitelist list: %w", err)
		}
		if strings.TrimSpace(out) == "" {
			out = "（服务器未返回内容）"
		}
		return s.reply(ctx, ev.GroupID, out)

	case "on", "off", "reload":
		command := s.cfg.Commands.On
		switch sub {
		case "off":
			command = s.cfg.Commands.Off
		case "reload":
			command = s.cfg.Commands.Reload
		}
		if _, err := s.cfg.Rcon.Execute(ctx, command); err != nil {
			return fmt.Errorf("rcon whitelist %s: %w", sub, err)
		}
		_ = s.cfg.Store.LogOp(ctx, storage.OpEntry{
			Actor:    ev.UserID,
			Action:   "whitelist_" + sub,
			MetaJSON: fmt.Sprintf(`{"command":%q}`, command),
		})
		return s.reply(ctx, ev.GroupID, fmt.Sprintf("已执行：%s", command))

	case "setai":
		baseURL, rest2 := splitFirstWord(rest)
		model, apiKey := splitFirstWord(rest2)
		if baseURL == "" || model == "" || apiKey == "" {
			return s.reply(ctx, ev.GroupID, "用法：白名单管理 setai <base_url> <model> <api_key>")
		}
		enc, err := s.cfg.Crypto.SealString(apiKey)
		if err != nil {
			return fmt.Errorf("seal api key: %w", err)
		}
		b, _ := json.Marshal(aiOverride{BaseURL: baseURL, Model: model, EncAPIKey: enc})
		if err := s.cfg.Store.SetSetting(ctx, aiSettingsKey, string(b)); err != nil {
			return fmt.Errorf("save ai settings: %w", err)
		}
		_ = s.cfg.Store.LogOp(ctx, storage.OpEntry{
			Actor:    ev.UserID,
			Action:   "audit_setai",
			MetaJSON: fmt.Sprintf(`{"model":%q}`, model),
		})
		return s.reply(ctx, ev.GroupID, "AI 审核配置已更新")

	default:
		return s.reply(ctx, ev.GroupID, "用法：白名单管理 list|serverlist|on|off|reload|remove <游戏ID>|reset <QQ号>|setai <base_url> <model> <api_key>")
	}
}

// ProcessJob is invoked by the queue worker for both audit phases.
func (s *Service) ProcessJob(ctx context.Context, job queue.AuditJob) error {
	switch job.Kind {
	case queue.JobKindQuestions:
		return s.processQuestions(ctx, job)
	case queue.JobKindScore:
		return s.processScore(ctx, job)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (s *Service) processQuestions(ctx context.Context, job queue.AuditJob) error {
	questions := s.generateQuestions(ctx)

	sess := &session{
		GameID:    job.GameID,
		Nickname:  job.Nickname,
		Questions: questions,
		Answers:   []string{},
		Index:     0,
		AskedAt:   time.Now().UTC(),
		StartedAt: time.Now().UTC(),
	}
	if err := s.saveSession(ctx, job.GroupID, job.QQID, sess); err != nil {
		return err
	}
	_ = s.cfg.Redis.Expire(ctx, busyKey(job.GameID), s.cfg.SessionTTL).Err()

	intro := fmt.Sprintf(
		"%s 的白名单审核开始，共 %d 题，每题限时 %d 秒，用 答案 <内容> 回答。\n%s",
		job.GameID, len(questions), int(s.cfg.AnswerTimeout.Seconds()), s.questionText(sess))
	return s.reply(ctx, job.GroupID, intro)
}

// generateQuestions asks the AI for a question set and falls back to the
// built-in bank on any failure.
func (s *Service) generateQuestions(ctx context.Context) []string {
	chatter, model, err := s.chatter(ctx)
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("ai unavailable, using default questions")
		return pickDefaultQuestions(s.cfg.QuestionCount)
	}

	resp, err := chatter.Chat(ctx, ai.ChatRequest{
		Model:       model,
		UserPrompt:  buildQuestionPrompt(s.cfg.QuestionCount),
		MaxTokens:   1024,
		Temperature: 0.8,
	})
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("question generation failed, using default questions")
		return pickDefaultQuestions(s.cfg.QuestionCount)
	}
	questions, err := parseQuestions(resp.Text, s.cfg.QuestionCount)
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("unusable question reply, using default questions")
		return pickDefaultQuestions(s.cfg.QuestionCount)
	}
	return questions
}

func (s *Service) processScore(ctx context.Context, job queue.AuditJob) error {
	sess, err := s.loadSession(ctx, job.GroupID, job.QQID)
	if err != nil {
		return err
	}
	if sess == nil {
		// Session expired between answer and scoring; nothing to do.
		return nil
	}

	scores := s.scoreAnswers(ctx, sess)
	total := sumScores(scores)

	if total >= s.cfg.PassScore {
		return s.passSession(ctx, job.GroupID, job.QQID, sess, total)
	}
	return s.failSession(ctx, job.GroupID, job.QQID, sess, total,
		fmt.Sprintf("得分 %d，未达到 %d", total, s.cfg.PassScore))
}

func (s *Service) scoreAnswers(ctx context.Context, sess *session) []int {
	chatter, model, err := s.chatter(ctx)
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("ai unavailable, using heuristic scoring")
		return heuristicScores(sess.Answers, len(sess.Questions))
	}

	resp, err := chatter.Chat(ctx, ai.ChatRequest{
		Model:       model,
		UserPrompt:  buildScoringPrompt(sess.GameID, sess.Questions, sess.Answers),
		MaxTokens:   256,
		Temperature: 0.2,
	})
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("scoring call failed, using heuristic scoring")
		return heuristicScores(sess.Answers, len(sess.Questions))
	}
	scores, err := parseScores(resp.Text, len(sess.Questions))
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("unusable score reply, using heuristic scoring")
		return heuristicScores(sess.Answers, len(sess.Questions))
	}
	return scores
}

func (s *Service) passSession(ctx context.Context, groupID, qqID int64, sess *session, total int) error {
	if _, err := s.cfg.Rcon.Execute(ctx, renderCommand(s.cfg.Commands.Add, sess.GameID)); err != nil {
		return fmt.Errorf("rcon whitelist add: %w", err)
	}
	if err := s.cfg.Store.AddWhitelist(ctx, storage.WhitelistEntry{
		GameID: sess.GameID,
		QQID:   qqID,
		Source: "audit",
	}); err != nil && !errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("persist whitelist: %w", err)
	}
	s.recordAudit(ctx, qqID, sess, total, true, "通过")
	s.clearSession(ctx, groupID, qqID, sess.GameID)
	return s.reply(ctx, groupID, fmt.Sprintf("审核通过！%s 已加入白名单（得分 %d/%d）",
		sess.GameID, total, len(sess.Questions)*10))
}

func (s *Service) failSession(ctx context.Context, groupID, qqID int64, sess *session, total int, reason string) error {
	if err := s.cfg.Redis.Set(ctx, cooldownKey(qqID), "1", s.cfg.Cooldown).Err(); err != nil {
		s.cfg.Logger.Error().Err(err).Msg("set cooldown failed")
	}
	s.recordAudit(ctx, qqID, sess, total, false, reason)
	s.clearSession(ctx, groupID, qqID, sess.GameID)
	return s.reply(ctx, groupID, fmt.Sprintf("审核未通过：%s。%d 分钟后可重新申请",
		reason, int(s.cfg.Cooldown.Minutes())))
}

func (s *Service) recordAudit(ctx context.Context, qqID int64, sess *session, total int, passed bool, detail string) {
	if err := s.cfg.Store.InsertAuditRecord(ctx, storage.AuditRecord{
		QQID:   qqID,
		GameID: sess.GameID,
		Score:  total,
		Passed: passed,
		Detail: detail,
	}); err != nil {
		s.cfg.Logger.Error().Err(err).Msg("insert audit record failed")
	}
}

// chatter resolves the AI endpoint: admin override from settings first,
// environment default second.
func (s *Service) chatter(ctx context.Context) (ai.Chatter, string, error) {
	raw, err := s.cfg.Store.GetSetting(ctx, aiSettingsKey)
	if err == nil {
		var o aiOverride
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, "", fmt.Errorf("parse ai override: %w", err)
		}
		apiKey, err := s.cfg.Crypto.OpenString(o.EncAPIKey)
		if err != nil {
			return nil, "", fmt.Errorf("open ai api key: %w", err)
		}
		return s.cfg.AIFactory(o.BaseURL, apiKey), o.Model, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, "", fmt.Errorf("load ai override: %w", err)
	}

	if s.cfg.AIBaseURL == "" || s.cfg.AIModel == "" {
		return nil, "", fmt.Errorf("ai endpoint not configured")
	}
	return s.cfg.AIFactory(s.cfg.AIBaseURL, s.cfg.AIAPIKey), s.cfg.AIModel, nil
}

func (s *Service) questionText(sess *session) string {
	return fmt.Sprintf("第 %d/%d 题：%s", sess.Index+1, len(sess.Questions), sess.Questions[sess.Index])
}

func (s *Service) loadSession(ctx context.Context, groupID, qqID int64) (*session, error) {
	raw, err := s.cfg.Redis.Get(ctx, sessKey(groupID, qqID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	return &sess, nil
}

func (s *Service) saveSession(ctx context.Context, groupID, qqID int64, sess *session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.cfg.Redis.Set(ctx, sessKey(groupID, qqID), string(b), s.cfg.SessionTTL).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Service) clearSession(ctx context.Context, groupID, qqID int64, gameID string) {
	_ = s.cfg.Redis.Del(ctx, sessKey(groupID, qqID)).Err()
	_ = s.cfg.Redis.Del(ctx, busyKey(gameID)).Err()
}

func (s *Service) groupAllowed(groupID int64) bool {
	if len(s.cfg.GroupIDs) == 0 {
		return true
	}
	for _, id := range s.cfg.GroupIDs {
		if id == groupID {
			return true
		}
	}
	return false
}

func (s *Service) reply(ctx context.Context, groupID int64, text string) error {
	return s.cfg.Sender.SendGroupMessage(ctx, groupID, text)
}

func renderCommand(template, gameID string) string {
	return strings.ReplaceAll(template, "{player}", gameID)
}

func sessKey(groupID, qqID int64) string {
	return fmt.Sprintf("msmpbot:audit:sess:%d:%d", groupID, qqID)
}

func busyKey(gameID string) string {
	return "msmpbot:audit:busy:" + strings.ToLower(gameID)
}

func cooldownKey(qqID int64) string {
	return fmt.Sprintf("msmpbot:audit:cd:%d", qqID)
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}
