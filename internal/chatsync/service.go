package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"msmpbot/internal/mclog"
	"msmpbot/internal/metrics"
	"msmpbot/internal/onebot"
	"msmpbot/internal/queue"
	"msmpbot/internal/rcon"
	"msmpbot/internal/storage"
)

const settingsKey = "chatsync"

// settings is the runtime-adjustable part of the sync config, persisted
// so admin changes survive restarts.
type settings struct {
	Mode         string   `json:"mode"`
	MutedPlayers []string `json:"muted_players"`
	MutedQQ      []int64  `json:"muted_qq"`
	BlockedWords []string `json:"blocked_words"`
}

type Config struct {
	Store    *storage.Store
	Rcon     rcon.Executor
	Sender   onebot.Sender
	Dedup    *queue.LineDeduper
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	GroupIDs []int64
	Mode     string
	MCFormat string
	QQFormat string

	// Per-direction switches. AutoMCToQQ relays every in-game chat line;
	// ManualMCToQQ relays only lines a player prefixes with MCPrefix,
	// and works even when the auto channel is off. QQToMC gates the
	// chat-to-game direction as a whole.
	AutoMCToQQ   bool
	ManualMCToQQ bool
	MCPrefix     string
	QQToMC       bool
}

// Service relays chat between the Minecraft server and QQ groups in both
// directions.
type Service struct {
	cfg Config

	mu sync.Mutex
	st settings
}

func NewService(cfg Config) *Service {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.MCFormat == "" {
		cfg.MCFormat = "[MC] {player}: {message}"
	}
	if cfg.QQFormat == "" {
		cfg.QQFormat = "[QQ] {nickname}: {message}"
	}
	if cfg.MCPrefix == "" {
		cfg.MCPrefix = "qq"
	}
	mode := strings.ToLower(cfg.Mode)
	if mode != "auto" {
		mode = "manual"
	}
	return &Service{cfg: cfg, st: settings{Mode: mode}}
}

// LoadSettings restores persisted runtime settings, keeping config
// defaults when nothing is stored yet.
func (s *Service) LoadSettings(ctx context.Context) error {
	raw, err := s.cfg.Store.GetSetting(ctx, settingsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load chatsync settings: %w", err)
	}
	var st settings
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return fmt.Errorf("parse chatsync settings: %w", err)
	}
	if st.Mode != "auto" && st.Mode != "manual" {
		st.Mode = s.st.Mode
	}
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
	return nil
}

func (s *Service) saveSettings(ctx context.Context) {
	s.mu.Lock()
	b, _ := json.Marshal(s.st)
	s.mu.Unlock()
	if err := s.cfg.Store.SetSetting(ctx, settingsKey, string(b)); err != nil {
		s.cfg.Logger.Error().Err(err).Msg("persist chatsync settings failed")
	}
}

func (s *Service) Register(d *onebot.Dispatcher) {
	d.Register(onebot.Command{Name: "mc", Aliases: []string{"说"}, Handler: s.handleSay})
	d.Register(onebot.Command{Name: "同步设置", Aliases: []string{"syncadmin"}, AdminOnly: true, Handler: s.handleAdmin})
	d.OnMessage(s.onGroupMessage)
}

func (s *Service) handleSay(ctx context.Context, ev onebot.GroupMessage, args string) error {
	if !s.groupAllowed(ev.GroupID) {
		return nil
	}
	text := strings.TrimSpace(args)
	if text == "" {
		return s.reply(ctx, ev.GroupID, "用法：mc <消息>")
	}
	s.relayToMC(ctx, ev, text)
	return nil
}

// onGroupMessage relays plain group chatter when auto mode is on.
func (s *Service) onGroupMessage(ctx context.Context, ev onebot.GroupMessage) {
	if s.mode() != "auto" || !s.groupAllowed(ev.GroupID) {
		return
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" || strings.HasPrefix(text, "[CQ:") {
		return
	}
	// Do not echo our own relayed Minecraft messages back into the game.
	if strings.HasPrefix(text, formatPrefix(s.cfg.MCFormat)) {
		return
	}
	s.relayToMC(ctx, ev, text)
}

func (s *Service) relayToMC(ctx context.Context, ev onebot.GroupMessage, text string) {
	if !s.cfg.QQToMC {
		return
	}
	if s.qqMuted(ev.UserID) || s.blocked(text) {
		return
	}
	line := renderFormat(s.cfg.QQFormat, map[string]string{
		"nickname": ev.Nickname,
		"message":  text,
	})
	if s.cfg.Dedup != nil {
		first, err := s.cfg.Dedup.MarkFirst(ctx, "qq2mc:"+line)
		if err != nil {
			s.cfg.Logger.Warn().Err(err).Msg("qq->mc dedup failed")
		} else if !first {
			return
		}
	}
	if _, err := s.cfg.Rcon.Execute(ctx, "say "+line); err != nil {
		s.cfg.Logger.Error().Err(err).Msg("relay to minecraft failed")
		return
	}
	s.cfg.Metrics.SyncedMessages.Inc()
}

// HandleChat forwards in-game chat to the configured QQ groups. A line
// prefixed with MCPrefix ("qq hello") is a manual relay request and goes
// through even when the auto channel is disabled.
func (s *Service) HandleChat(ctx context.Context, ev mclog.Event) {
	msg := ev.Message
	manual := false
	if rest, ok := strings.CutPrefix(msg, s.cfg.MCPrefix+" "); ok && strings.TrimSpace(rest) != "" {
		manual = true
		msg = strings.TrimSpace(rest)
	}
	if manual {
		if !s.cfg.ManualMCToQQ {
			return
		}
	} else if !s.cfg.AutoMCToQQ {
		return
	}
	if s.playerMuted(ev.Player) || s.blocked(msg) {
		return
	}
	// A player quoting a relayed QQ line would bounce forever otherwise.
	if strings.HasPrefix(msg, formatPrefix(s.cfg.QQFormat)) {
		return
	}
	line := renderFormat(s.cfg.MCFormat, map[string]string{
		"player":  ev.Player,
		"message": msg,
	})
	if s.cfg.Dedup != nil {
		first, err := s.cfg.Dedup.MarkFirst(ctx, "mc2qq:"+line)
		if err != nil {
			s.cfg.Logger.Warn().Err(err).Msg("mc->qq dedup failed")
		} else if !first {
			return
		}
	}
	for _, groupID := range s.cfg.GroupIDs {
		if err := s.cfg.Sender.SendGroupMessage(ctx, groupID, line); err != nil {
			s.cfg.Logger.Error().Err(err).Int64("group_id", groupID).Msg("relay to qq failed")
			continue
		}
		s.cfg.Metrics.SyncedMessages.Inc()
	}
}

func (s *Service) handleAdmin(ctx context.Context, ev onebot.GroupMessage, args string) error {
	sub, rest := splitFirstWord(args)
	switch sub {
	case "status", "":
		s.mu.Lock()
		st := s.st
		s.mu.Unlock()
		lines := []string{
			"同步状态：",
			"- 模式: " + st.Mode,
			"- 屏蔽玩家: " + strings.Join(st.MutedPlayers, ", "),
			"- 屏蔽QQ: " + joinInt64(st.MutedQQ),
			"- 屏蔽关键词: " + strings.Join(st.BlockedWords, ", "),
		}
		return s.reply(ctx, ev.GroupID, strings.Join(lines, "\n"))

	case "mode":
		mode := strings.ToLower(strings.TrimSpace(rest))
		if mode != "auto" && mode != "manual" {
			return s.reply(ctx, ev.GroupID, "用法：同步设置 mode auto|manual")
		}
		s.mu.Lock()
		s.st.Mode = mode
		s.mu.Unlock()
		s.saveSettings(ctx)
		return s.reply(ctx, ev.GroupID, "同步模式已切换为 "+mode)

	case "mute":
		player := strings.TrimSpace(rest)
		if player == "" {
			return s.reply(ctx, ev.GroupID, "用法：同步设置 mute <玩家>")
		}
		s.mu.Lock()
		if !containsFold(s.st.MutedPlayers, player) {
			s.st.MutedPlayers = append(s.st.MutedPlayers, player)
		}
		s.mu.Unlock()
		s.saveSettings(ctx)
		return s.reply(ctx, ev.GroupID, "已屏蔽玩家 "+player)

	case "unmute":
		player := strings.TrimSpace(rest)
		s.mu.Lock()
		out := s.st.MutedPlayers[:0]
		for _, p := range s.st.MutedPlayers {
			if !strings.EqualFold(p, player) {
				out = append(out, p)
			}
		}
		s.st.MutedPlayers = out
		s.mu.Unlock()
		s.saveSettings(ctx)
		return s.reply(ctx, ev.GroupID, "已解除屏蔽玩家 "+player)

	case "block":
		word := strings.TrimSpace(rest)
		if word == "" {
			return s.reply(ctx, ev.GroupID, "用法：同步设置 block <关键词>")
		}
		s.mu.Lock()
		if !containsFold(s.st.BlockedWords, word) {
			s.st.BlockedWords = append(s.st.BlockedWords, word)
		}
		s.mu.Unlock()
		s.saveSettings(ctx)
		return s.reply(ctx, ev.GroupID, "已屏蔽关键词 "+word)

	case "unblock":
		word := strings.TrimSpace(rest)
		s.mu.Lock()
		out := s.st.BlockedWords[:0]
		for _, w := range s.st.BlockedWords {
			if !strings.EqualFold(w, word) {
				out = append(out, w)
			}
		}
		s.st.BlockedWords = out
		s.mu.Unlock()
		s.saveSettings(ctx)
		return s.reply(ctx, ev.GroupID, "已解除屏蔽关键词 "+word)

	case "muteqq", "unmuteqq":
		id, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if err != nil || id <= 0 {
			return s.reply(ctx, ev.GroupID, "用法：同步设置 "+sub+" <QQ号>")
		}
		s.mu.Lock()
		if sub == "muteqq" {
			if !containsInt64(s.st.MutedQQ, id) {
				s.st.MutedQQ = append(s.st.MutedQQ, id)
			}
		} else {
			out := s.st.MutedQQ[:0]
			for _, v := range s.st.MutedQQ {
				if v != id {
					out = append(out, v)
				}
			}
			s.st.MutedQQ = out
		}
		s.mu.Unlock()
		s.saveSettings(ctx)
		return s.reply(ctx, ev.GroupID, "设置已更新")

	default:
		return s.reply(ctx, ev.GroupID, "用法：同步设置 status|mode|mute|unmute|muteqq|unmuteqq|block|unblock")
	}
}

func (s *Service) mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Mode
}

func (s *Service) playerMuted(player string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return containsFold(s.st.MutedPlayers, player)
}

func (s *Service) blocked(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lower := strings.ToLower(text)
	for _, w := range s.st.BlockedWords {
		if strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

func (s *Service) qqMuted(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return containsInt64(s.st.MutedQQ, id)
}

func (s *Service) groupAllowed(groupID int64) bool {
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

func renderFormat(format string, vars map[string]string) string {
	out := format
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// formatPrefix returns the literal text before the first placeholder,
// used to recognize messages this service produced itself.
func formatPrefix(format string) string {
	if idx := strings.IndexByte(format, '{'); idx >= 0 {
		return strings.TrimSpace(format[:idx])
	}
	return strings.TrimSpace(format)
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func containsInt64(list []int64, v int64) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func joinInt64(list []int64) string {
	parts := make([]string, 0, len(list))
	for _, v := range list {
		parts = append(parts, strconv.FormatInt(v, 10))
	}
	return strings.Join(parts, ", ")
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
