package onebot

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"msmpbot/internal/metrics"
	"msmpbot/internal/queue"
)

// Sender delivers text messages to a QQ group.
type Sender interface {
	SendGroupMessage(ctx context.Context, groupID int64, text string) error
}

type HandlerFunc func(ctx context.Context, ev GroupMessage, args string) error

// Command is a group chat command. The first whitespace-separated word of
// a message selects the command by name or alias; the remainder is passed
// to the handler as args.
type Command struct {
	Name      string
	Aliases   []string
	AdminOnly bool
	Handler   HandlerFunc
}

type DispatcherConfig struct {
	AdminQQIDs  []int64
	RateLimiter *queue.RateLimiter
	Sender      Sender
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

type Dispatcher struct {
	commands  map[string]*Command
	fallbacks []func(ctx context.Context, ev GroupMessage)
	admins    map[int64]struct{}
	rate      *queue.RateLimiter
	sender    Sender
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	admins := make(map[int64]struct{}, len(cfg.AdminQQIDs))
	for _, id := range cfg.AdminQQIDs {
		admins[id] = struct{}{}
	}
	return &Dispatcher{
		commands: map[string]*Command{},
		admins:   admins,
		rate:     cfg.RateLimiter,
		sender:   cfg.Sender,
		logger:   cfg.Logger,
		metrics:  m,
	}
}

func (d *Dispatcher) Register(cmd Command) {
	c := cmd
	d.commands[cmd.Name] = &c
	for _, alias := range cmd.Aliases {
		d.commands[alias] = &c
	}
}

// OnMessage subscribes to group messages that did not match any command.
func (d *Dispatcher) OnMessage(f func(ctx context.Context, ev GroupMessage)) {
	d.fallbacks = append(d.fallbacks, f)
}

func (d *Dispatcher) IsAdmin(userID int64) bool {
	_, ok := d.admins[userID]
	return ok
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev GroupMessage) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}

	name, args := splitFirstWord(text)
	cmd, ok := d.commands[name]
	if !ok {
		for _, f := range d.fallbacks {
			f(ctx, ev)
		}
		return
	}

	if cmd.AdminOnly && !d.IsAdmin(ev.UserID) {
		d.reply(ctx, ev.GroupID, "仅管理员可以使用该命令")
		return
	}
	if !d.allowRate(ctx, ev) {
		return
	}

	d.metrics.CommandsTotal.Inc()
	if err := cmd.Handler(ctx, ev, args); err != nil {
		d.logger.Error().Err(err).
			Str("command", cmd.Name).
			Int64("group_id", ev.GroupID).
			Int64("user_id", ev.UserID).
			Msg("command failed")
	}
}

func (d *Dispatcher) allowRate(ctx context.Context, ev GroupMessage) bool {
	if d.rate == nil || ev.UserID == 0 {
		return true
	}
	ok, _, resetAt, err := d.rate.Allow(ctx, ev.GroupID, ev.UserID, time.Now().UTC())
	if err != nil {
		d.logger.Error().Err(err).Msg("rate limiter failed")
		return true
	}
	if ok {
		return true
	}
	d.reply(ctx, ev.GroupID, "操作过于频繁，请 "+resetAt.Format("15:04:05")+" 后再试")
	return false
}

func (d *Dispatcher) reply(ctx context.Context, groupID int64, text string) {
	if d.sender == nil {
		return
	}
	if err := d.sender.SendGroupMessage(ctx, groupID, text); err != nil {
		d.logger.Error().Err(err).Int64("group_id", groupID).Msg("failed to send reply")
	}
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexAny(s, " \t")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}
