package mclog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"msmpbot/internal/metrics"
	"msmpbot/internal/queue"
)

// Event is one player chat line extracted from the server log.
type Event struct {
	Player  string
	Message string
	Raw     string
	At      time.Time
}

type Handler func(ctx context.Context, ev Event)

type Config struct {
	Path         string
	PollInterval time.Duration
	ChatRegex    string
	Dedup        *queue.LineDeduper
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

// Watcher tail-follows the Minecraft server log and fans parsed chat
// lines out to subscribed handlers. It starts at the current end of file
// so old history is never replayed.
type Watcher struct {
	cfg      Config
	re       *regexp.Regexp
	handlers []Handler
	offset   int64
	partial  []byte
}

func NewWatcher(cfg Config) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("log path is empty")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	re, err := regexp.Compile(cfg.ChatRegex)
	if err != nil {
		return nil, fmt.Errorf("compile chat regex: %w", err)
	}
	if re.NumSubexp() < 2 {
		return nil, fmt.Errorf("chat regex must capture player and message")
	}
	return &Watcher{cfg: cfg, re: re}, nil
}

func (w *Watcher) Subscribe(h Handler) {
	w.handlers = append(w.handlers, h)
}

func (w *Watcher) Start(ctx context.Context) error {
	if fi, err := os.Stat(w.cfg.Path); err == nil {
		w.offset = fi.Size()
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.poll(ctx); err != nil {
				w.cfg.Logger.Warn().Err(err).Str("path", w.cfg.Path).Msg("log poll failed")
			}
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	f, err := os.Open(w.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat log: %w", err)
	}
	// Rotation truncates latest.log, so a shrinking file means start over.
	if fi.Size() < w.offset {
		w.offset = 0
		w.partial = nil
	}
	if fi.Size() == w.offset {
		return nil
	}

	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek log: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	w.offset += int64(len(data))

	buf := append(w.partial, data...)
	lines := bytes.Split(buf, []byte("\n"))
	// The final element is an unterminated tail; keep it for the next poll.
	w.partial = append([]byte(nil), lines[len(lines)-1]...)

	for _, raw := range lines[:len(lines)-1] {
		line := strings.TrimRight(string(raw), "\r")
		if line == "" {
			continue
		}
		ev, ok := w.parseLine(line)
		if !ok {
			continue
		}
		if w.cfg.Dedup != nil {
			first, err := w.cfg.Dedup.MarkFirst(ctx, line)
			if err != nil {
				w.cfg.Logger.Warn().Err(err).Msg("chat line dedup failed")
			} else if !first {
				continue
			}
		}
		w.cfg.Metrics.ChatLinesTotal.Inc()
		for _, h := range w.handlers {
			h(ctx, ev)
		}
	}
	return nil
}

func (w *Watcher) parseLine(line string) (Event, bool) {
	m := w.re.FindStringSubmatch(line)
	if len(m) < 3 {
		return Event{}, false
	}
	player := strings.TrimSpace(m[1])
	message := strings.TrimSpace(m[2])
	if player == "" || message == "" {
		return Event{}, false
	}
	return Event{Player: player, Message: message, Raw: line, At: time.Now().UTC()}, true
}
