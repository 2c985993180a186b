package chunks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"msmpbot/internal/onebot"
	"msmpbot/internal/rcon"
	"msmpbot/internal/storage"
)

// pendingOp is a destructive request waiting for 确认. It expires from
// redis on its own when nobody confirms.
type pendingOp struct {
	Action    string `json:"action"`
	World     string `json:"world"`
	Dim       string `json:"dim"`
	Range     Range  `json:"range"`
	BackupRef string `json:"backup_ref"`
}

// dimTokens maps user-facing dimension names to a canonical label.
var dimTokens = map[string]string{
	"overworld":            "overworld",
	"主世界":                  "overworld",
	"minecraft:overworld":  "overworld",
	"nether":               "nether",
	"地狱":                   "nether",
	"minecraft:the_nether": "nether",
	"end":                  "end",
	"末地":                  "end",
	"minecraft:the_end":    "end",
}

// dimSubdir returns the world subdirectory holding the dimension's
// region files. The overworld lives directly in the world folder.
func dimSubdir(label string) string {
	switch label {
	case "nether":
		return "DIM-1"
	case "end":
		return "DIM1"
	default:
		return ""
	}
}

type Config struct {
	Store     *storage.Store
	Redis     *redis.Client
	Rcon      rcon.Executor
	Sender    onebot.Sender
	Logger    zerolog.Logger
	ServerDir string
	BackupDir string
	World     string
	MaxChunks int
	ConfirmIn time.Duration
}

// Service manages chunk-level region file backups on the live server:
// backup, destructive delete and restore, all at region file
// granularity.
type Service struct {
	cfg Config
}

func NewService(cfg Config) *Service {
	if cfg.World == "" {
		cfg.World = "world"
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.ServerDir, "chunk_backups")
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = MaxChunksPerOp
	}
	if cfg.ConfirmIn <= 0 {
		cfg.ConfirmIn = 180 * time.Second
	}
	return &Service{cfg: cfg}
}

func (s *Service) Register(d *onebot.Dispatcher) {
	d.Register(onebot.Command{Name: "区块备份", Aliases: []string{"chunkbackup"}, AdminOnly: true, Handler: s.handleBackup})
	d.Register(onebot.Command{Name: "区块删除", Aliases: []string{"chunkdelete"}, AdminOnly: true, Handler: s.handleDelete})
	d.Register(onebot.Command{Name: "区块恢复", Aliases: []string{"chunkrestore"}, AdminOnly: true, Handler: s.handleRestore})
	d.Register(onebot.Command{Name: "备份列表", Aliases: []string{"backups"}, AdminOnly: true, Handler: s.handleList})
	d.Register(onebot.Command{Name: "确认", Aliases: []string{"confirm"}, AdminOnly: true, Handler: s.handleConfirm})
}

func (s *Service) handleBackup(ctx context.Context, ev onebot.GroupMessage, args string) error {
	dim, r, err := parseDimAndRange(args)
	if err != nil {
		if errors.Is(err, errUnknownDim) {
			return s.reply(ctx, ev.GroupID, "未知维度，支持 overworld/nether/end（主世界/地狱/末地）")
		}
		return s.reply(ctx, ev.GroupID, "用法：区块备份 [维度] <x1> <z1> <x2> <z2>")
	}
	if r.ChunkCount() > s.cfg.MaxChunks {
		return s.reply(ctx, ev.GroupID, fmt.Sprintf("范围过大：%d 个区块，上限 %d", r.ChunkCount(), s.cfg.MaxChunks))
	}

	name := fmt.Sprintf("%s-%s-%s", s.cfg.World, dim, time.Now().UTC().Format("20060102-150405"))
	copied, err := s.backupTo(ctx, name, dim, r)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("chunk backup failed")
		return s.reply(ctx, ev.GroupID, "备份失败："+err.Error())
	}

	_ = s.cfg.Store.LogOp(ctx, storage.OpEntry{
		Actor:    ev.UserID,
		Action:   "chunk_backup",
		MetaJSON: opMeta(name, dim, r, copied),
	})
	return s.reply(ctx, ev.GroupID, fmt.Sprintf(
		"备份完成：%s（%d 个区块，%d 个区域文件）", name, r.ChunkCount(), copied))
}

func (s *Service) handleDelete(ctx context.Context, ev onebot.GroupMessage, args string) error {
	dim, r, err := parseDimAndRange(args)
	if err != nil {
		if errors.Is(err, errUnknownDim) {
			return s.reply(ctx, ev.GroupID, "未知维度，支持 overworld/nether/end（主世界/地狱/末地）")
		}
		return s.reply(ctx, ev.GroupID, "用法：区块删除 [维度] <x1> <z1> <x2> <z2>")
	}
	if r.ChunkCount() > s.cfg.MaxChunks {
		return s.reply(ctx, ev.GroupID, fmt.Sprintf("范围过大：%d 个区块，上限 %d", r.ChunkCount(), s.cfg.MaxChunks))
	}

	op := pendingOp{Action: "delete", World: s.cfg.World, Dim: dim, Range: r}
	if err := s.savePending(ctx, ev.GroupID, ev.UserID, op); err != nil {
		return err
	}
	return s.reply(ctx, ev.GroupID, fmt.Sprintf(
		"即将删除 %d 个区块对应的区域文件（会先自动备份）。%d 秒内发送 确认 执行",
		r.ChunkCount(), int(s.cfg.ConfirmIn.Seconds())))
}

func (s *Service) handleRestore(ctx context.Context, ev onebot.GroupMessage, args string) error {
	fields := strings.Fields(args)
	dim := "overworld"
	if len(fields) == 2 {
		label, ok := dimTokens[strings.ToLower(fields[0])]
		if !ok {
			return s.reply(ctx, ev.GroupID, "未知维度，支持 overworld/nether/end（主世界/地狱/末地）")
		}
		dim = label
		fields = fields[1:]
	}
	if len(fields) != 1 || strings.ContainsAny(fields[0], "/\\") {
		return s.reply(ctx, ev.GroupID, "用法：区块恢复 [维度] <备份名>")
	}
	name := fields[0]
	if _, err := os.Stat(filepath.Join(s.cfg.BackupDir, name)); err != nil {
		return s.reply(ctx, ev.GroupID, "没有找到备份 "+name)
	}

	op := pendingOp{Action: "restore", World: s.cfg.World, Dim: dim, BackupRef: name}
	if err := s.savePending(ctx, ev.GroupID, ev.UserID, op); err != nil {
		return err
	}
	return s.reply(ctx, ev.GroupID, fmt.Sprintf(
		"即将用备份 %s 覆盖当前区域文件。%d 秒内发送 确认 执行",
		name, int(s.cfg.ConfirmIn.Seconds())))
}

func (s *Service) handleList(ctx context.Context, ev onebot.GroupMessage, _ string) error {
	entries, err := os.ReadDir(s.cfg.BackupDir)
	if os.IsNotExist(err) || (err == nil && len(entries) == 0) {
		return s.reply(ctx, ev.GroupID, "还没有任何备份")
	}
	if err != nil {
		return fmt.Errorf("read backup dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return s.reply(ctx, ev.GroupID, "备份列表：\n- "+strings.Join(names, "\n- "))
}

func (s *Service) handleConfirm(ctx context.Context, ev onebot.GroupMessage, _ string) error {
	key := pendingKey(ev.GroupID, ev.UserID)
	raw, err := s.cfg.Redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return s.reply(ctx, ev.GroupID, "没有待确认的操作，或确认已超时")
	}
	if err != nil {
		return fmt.Errorf("load pending op: %w", err)
	}
	_ = s.cfg.Redis.Del(ctx, key).Err()

	var op pendingOp
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		return fmt.Errorf("parse pending op: %w", err)
	}

	switch op.Action {
	case "delete":
		return s.runDelete(ctx, ev, op)
	case "restore":
		return s.runRestore(ctx, ev, op)
	default:
		return fmt.Errorf("unknown pending action %q", op.Action)
	}
}

func (s *Service) runDelete(ctx context.Context, ev onebot.GroupMessage, op pendingOp) error {
	// Safety copy first so a bad delete is always recoverable.
	name := fmt.Sprintf("%s-%s-predelete-%s", op.World, op.Dim, time.Now().UTC().Format("20060102-150405"))
	if _, err := s.backupTo(ctx, name, op.Dim, op.Range); err != nil {
		s.cfg.Logger.Error().Err(err).Msg("pre-delete backup failed")
		return s.reply(ctx, ev.GroupID, "自动备份失败，已取消删除："+err.Error())
	}

	s.saveOff(ctx)
	removed, err := deleteRegions(s.worldDir(op.Dim), op.Range)
	s.saveOn(ctx)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("chunk delete failed")
		return s.reply(ctx, ev.GroupID, "删除失败："+err.Error())
	}

	_ = s.cfg.Store.LogOp(ctx, storage.OpEntry{
		Actor:    ev.UserID,
		Action:   "chunk_delete",
		MetaJSON: opMeta(name, op.Dim, op.Range, removed),
	})
	return s.reply(ctx, ev.GroupID, fmt.Sprintf(
		"删除完成：移除 %d 个区域文件，自动备份为 %s", removed, name))
}

func (s *Service) runRestore(ctx context.Context, ev onebot.GroupMessage, op pendingOp) error {
	s.saveOff(ctx)
	restored, err := restoreRegions(filepath.Join(s.cfg.BackupDir, op.BackupRef), s.worldDir(op.Dim))
	s.saveOn(ctx)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("chunk restore failed")
		return s.reply(ctx, ev.GroupID, "恢复失败："+err.Error())
	}

	_ = s.cfg.Store.LogOp(ctx, storage.OpEntry{
		Actor:    ev.UserID,
		Action:   "chunk_restore",
		MetaJSON: fmt.Sprintf(`{"backup":%q,"files":%d}`, op.BackupRef, restored),
	})
	return s.reply(ctx, ev.GroupID, fmt.Sprintf(
		"恢复完成：从 %s 还原 %d 个区域文件，建议重启服务器加载", op.BackupRef, restored))
}

// backupTo flushes the server's pending writes, copies the range's
// region files into a named backup, then re-enables saving.
func (s *Service) backupTo(ctx context.Context, name, dim string, r Range) (int, error) {
	s.saveOff(ctx)
	defer s.saveOn(ctx)
	return backupRegions(s.worldDir(dim), filepath.Join(s.cfg.BackupDir, name), r)
}

func (s *Service) saveOff(ctx context.Context) {
	if s.cfg.Rcon == nil {
		return
	}
	if _, err := s.cfg.Rcon.Execute(ctx, "save-off"); err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("save-off failed")
	}
	if _, err := s.cfg.Rcon.Execute(ctx, "save-all flush"); err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("save-all failed")
	}
}

func (s *Service) saveOn(ctx context.Context) {
	if s.cfg.Rcon == nil {
		return
	}
	if _, err := s.cfg.Rcon.Execute(ctx, "save-on"); err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("save-on failed")
	}
}

func (s *Service) savePending(ctx context.Context, groupID, qqID int64, op pendingOp) error {
	b, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal pending op: %w", err)
	}
	if err := s.cfg.Redis.Set(ctx, pendingKey(groupID, qqID), string(b), s.cfg.ConfirmIn).Err(); err != nil {
		return fmt.Errorf("save pending op: %w", err)
	}
	return nil
}

func (s *Service) worldDir(dim string) string {
	if sub := dimSubdir(dim); sub != "" {
		return filepath.Join(s.cfg.ServerDir, s.cfg.World, sub)
	}
	return filepath.Join(s.cfg.ServerDir, s.cfg.World)
}

func (s *Service) reply(ctx context.Context, groupID int64, text string) error {
	return s.cfg.Sender.SendGroupMessage(ctx, groupID, text)
}

var errUnknownDim = errors.New("unknown dimension")

// parseDimAndRange parses "[dim] x1 z1 x2 z2" block coordinates. The
// dimension token is optional and defaults to the overworld.
func parseDimAndRange(args string) (string, Range, error) {
	fields := strings.Fields(args)
	dim := "overworld"
	if len(fields) == 5 {
		label, ok := dimTokens[strings.ToLower(fields[0])]
		if !ok {
			return "", Range{}, fmt.Errorf("%w: %s", errUnknownDim, fields[0])
		}
		dim = label
		fields = fields[1:]
	}
	if len(fields) != 4 {
		return "", Range{}, fmt.Errorf("need 4 coordinates, got %d", len(fields))
	}
	nums := make([]int, 4)
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return "", Range{}, fmt.Errorf("parse coordinate %q: %w", f, err)
		}
		nums[i] = v
	}
	return dim, RangeFromBlocks(nums[0], nums[1], nums[2], nums[3]), nil
}

func opMeta(name, dim string, r Range, files int) string {
	b, _ := json.Marshal(map[string]any{
		"backup": name,
		"dim":    dim,
		"chunks": r.ChunkCount(),
		"files":  files,
		"range":  fmt.Sprintf("(%d,%d)-(%d,%d)", r.MinCX, r.MinCZ, r.MaxCX, r.MaxCZ),
	})
	return string(b)
}

func pendingKey(groupID, qqID int64) string {
	return fmt.Sprintf("msmpbot:chunks:pending:%d:%d", groupID, qqID)
}
