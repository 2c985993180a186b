package binding

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"msmpbot/internal/mclog"
	"msmpbot/internal/onebot"
	"msmpbot/internal/rcon"
	"msmpbot/internal/storage"
)

var (
	gameIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{3,16}$`)
	codeRegex   = regexp.MustCompile(`^\d{6}$`)
)

type pendingVerify struct {
	QQID    int64  `json:"qq_id"`
	GroupID int64  `json:"group_id"`
	GameID  string `json:"game_id"`
}

type Config struct {
	Store         *storage.Store
	Redis         *redis.Client
	Rcon          rcon.Executor
	Sender        onebot.Sender
	Logger        zerolog.Logger
	GroupIDs      []int64
	MaxPerQQ      int
	VerifyTimeout time.Duration
}

// Service binds QQ accounts to Minecraft player names. A player requests
// a code in the QQ group and proves ownership by typing it in game chat.
type Service struct {
	cfg Config
}

func NewService(cfg Config) *Service {
	if cfg.MaxPerQQ < 1 {
		cfg.MaxPerQQ = 1
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 5 * time.Minute
	}
	return &Service{cfg: cfg}
}

func (s *Service) Register(d *onebot.Dispatcher) {
	d.Register(onebot.Command{Name: "绑定", Aliases: []string{"bind"}, Handler: s.handleBind})
	d.Register(onebot.Command{Name: "查询绑定", Aliases: []string{"bindinfo"}, Handler: s.handleQuery})
	d.Register(onebot.Command{Name: "解绑", Aliases: []string{"unbind"}, Handler: s.handleUnbind})
	d.Register(onebot.Command{Name: "绑定管理", Aliases: []string{"bindadmin"}, AdminOnly: true, Handler: s.handleAdmin})
}

func (s *Service) handleBind(ctx context.Context, ev onebot.GroupMessage, args string) error {
	if !s.groupAllowed(ev.GroupID) {
		return nil
	}
	gameID := strings.TrimSpace(args)
	if !gameIDRegex.MatchString(gameID) {
		return s.reply(ctx, ev.GroupID, "用法：绑定 <游戏ID>（3-16位字母、数字或下划线）")
	}

	if _, err := s.cfg.Store.GetBindingByGameID(ctx, gameID); err == nil {
		return s.reply(ctx, ev.GroupID, fmt.Sprintf("游戏ID %s 已被绑定", gameID))
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("lookup binding: %w", err)
	}

	n, err := s.cfg.Store.CountBindingsByQQ(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("count bindings: %w", err)
	}
	if n >= s.cfg.MaxPerQQ {
		return s.reply(ctx, ev.GroupID, fmt.Sprintf("每个QQ最多绑定 %d 个游戏ID", s.cfg.MaxPerQQ))
	}

	code, err := newVerifyCode()
	if err != nil {
		return fmt.Errorf("generate verify code: %w", err)
	}
	payload, _ := json.Marshal(pendingVerify{QQID: ev.UserID, GroupID: ev.GroupID, GameID: gameID})
	ok, err := s.cfg.Redis.SetNX(ctx, verifyKey(code), payload, s.cfg.VerifyTimeout).Result()
	if err != nil {
		return fmt.Errorf("store verify code: %w", err)
	}
	if !ok {
		// Astronomically unlikely collision; just ask the user to retry.
		return s.reply(ctx, ev.GroupID, "验证码生成冲突，请重试")
	}

	minutes := int(s.cfg.VerifyTimeout.Minutes())
	return s.reply(ctx, ev.GroupID, fmt.Sprintf(
		"请在 %d 分钟内用 %s 进入服务器，在游戏聊天栏输入验证码：%s", minutes, gameID, code))
}

// HandleChat consumes in-game chat looking for pending verify codes.
func (s *Service) HandleChat(ctx context.Context, ev mclog.Event) {
	code := strings.TrimSpace(ev.Message)
	if !codeRegex.MatchString(code) {
		return
	}

	raw, err := s.cfg.Redis.Get(ctx, verifyKey(code)).Result()
	if err == redis.Nil {
		return
	}
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("read verify code failed")
		return
	}

	var pending pendingVerify
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		s.cfg.Logger.Error().Err(err).Msg("corrupt verify payload")
		_ = s.cfg.Redis.Del(ctx, verifyKey(code)).Err()
		return
	}
	if !strings.EqualFold(pending.GameID, ev.Player) {
		s.tell(ctx, ev.Player, "验证码与申请的游戏ID不符")
		return
	}

	err = s.cfg.Store.CreateBinding(ctx, storage.Binding{
		QQID:    pending.QQID,
		GameID:  pending.GameID,
		GroupID: pending.GroupID,
	})
	if errors.Is(err, storage.ErrConflict) {
		_ = s.cfg.Redis.Del(ctx, verifyKey(code)).Err()
		s.tell(ctx, ev.Player, "该游戏ID已被绑定")
		return
	}
	if err != nil {
		s.cfg.Logger.Error().Err(err).Str("game_id", pending.GameID).Msg("create binding failed")
		return
	}
	_ = s.cfg.Redis.Del(ctx, verifyKey(code)).Err()

	s.tell(ctx, ev.Player, "绑定成功！")
	if err := s.reply(ctx, pending.GroupID, fmt.Sprintf("QQ %d 已成功绑定游戏ID %s", pending.QQID, pending.GameID)); err != nil {
		s.cfg.Logger.Error().Err(err).Msg("binding group notify failed")
	}
}

func (s *Service) handleQuery(ctx context.Context, ev onebot.GroupMessage, _ string) error {
	if !s.groupAllowed(ev.GroupID) {
		return nil
	}
	bindings, err := s.cfg.Store.ListBindingsByQQ(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("list bindings: %w", err)
	}
	if len(bindings) == 0 {
		return s.reply(ctx, ev.GroupID, "你还没有绑定任何游戏ID")
	}
	lines := []string{"你的绑定："}
	for _, b := range bindings {
		lines = append(lines, "- "+b.GameID)
	}
	return s.reply(ctx, ev.GroupID, strings.Join(lines, "\n"))
}

func (s *Service) handleUnbind(ctx context.Context, ev onebot.GroupMessage, args string) error {
	if !s.groupAllowed(ev.GroupID) {
		return nil
	}
	gameID := strings.TrimSpace(args)
	if gameID == "" {
		return s.reply(ctx, ev.GroupID, "用法：解绑 <游戏ID>")
	}
	if err := s.cfg.Store.DeleteBinding(ctx, ev.UserID, gameID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.reply(ctx, ev.GroupID, "没有找到属于你的该绑定")
		}
		return fmt.Errorf("delete binding: %w", err)
	}
	return s.reply(ctx, ev.GroupID, fmt.Sprintf("已解绑 %s", gameID))
}

func (s *Service) handleAdmin(ctx context.Context, ev onebot.GroupMessage, args string) error {
	sub, rest := splitFirstWord(args)
	switch sub {
	case "list":
		bindings, err := s.cfg.Store.ListBindings(ctx, 50)
		if err != nil {
			return fmt.Errorf("list bindings: %w", err)
		}
		if len(bindings) == 0 {
			return s.reply(ctx, ev.GroupID, "当前没有任何绑定")
		}
		lines := []string{"绑定列表："}
		for _, b := range bindings {
			lines = append(lines, fmt.Sprintf("- %s -> QQ %d", b.GameID, b.QQID))
		}
		return s.reply(ctx, ev.GroupID, strings.Join(lines, "\n"))

	case "delete":
		target := strings.TrimSpace(rest)
		if target == "" {
			return s.reply(ctx, ev.GroupID, "用法：绑定管理 delete <游戏ID|QQ号>")
		}
		// A pure number is treated as a QQ id first; a digits-only game
		// id that matched nothing falls through to the game-id path.
		if qqID, err := strconv.ParseInt(target, 10, 64); err == nil && qqID > 0 {
			n, err := s.cfg.Store.DeleteBindingsByQQ(ctx, qqID)
			if err == nil {
				_ = s.cfg.Store.LogOp(ctx, storage.OpEntry{
					Actor:    ev.UserID,
					Action:   "binding_delete",
					MetaJSON: fmt.Sprintf(`{"qq_id":%d,"count":%d}`, qqID, n),
				})
				return s.reply(ctx, ev.GroupID, fmt.Sprintf("已删除 QQ %d 的 %d 条绑定", qqID, n))
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("delete bindings: %w", err)
			}
		}
		if err := s.cfg.Store.DeleteBindingByGameID(ctx, target); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return s.reply(ctx, ev.GroupID, "没有找到该绑定")
			}
			return fmt.Errorf("delete binding: %w", err)
		}
		_ = s.cfg.Store.LogOp(ctx, storage.OpEntry{
			Actor:    ev.UserID,
			Action:   "binding_delete",
			MetaJSON: fmt.Sprintf(`{"game_id":%q}`, target),
		})
		return s.reply(ctx, ev.GroupID, fmt.Sprintf("已删除 %s 的绑定", target))

	default:
		return s.reply(ctx, ev.GroupID, "用法：绑定管理 list | delete <游戏ID|QQ号>")
	}
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

func (s *Service) tell(ctx context.Context, player, text string) {
	if s.cfg.Rcon == nil {
		return
	}
	if _, err := s.cfg.Rcon.Execute(ctx, fmt.Sprintf("tell %s %s", player, text)); err != nil {
		s.cfg.Logger.Warn().Err(err).Str("player", player).Msg("rcon tell failed")
	}
}

func verifyKey(code string) string {
	return "msmpbot:verify:" + code
}

func newVerifyCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
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
