package playerdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"msmpbot/internal/onebot"
	"msmpbot/internal/rcon"
	"msmpbot/internal/storage"
)

// Coordinate bounds enforced by the game itself.
const (
	maxHorizontal = 30000000
	minY          = -64
	maxY          = 320
)

var dimensionNames = map[string]string{
	"minecraft:overworld":  "主世界",
	"minecraft:the_nether": "地狱",
	"minecraft:the_end":    "末地",
}

type Config struct {
	Store     *storage.Store
	Rcon      rcon.Executor
	Sender    onebot.Sender
	Logger    zerolog.Logger
	ServerDir string
	World     string
}

// Service reads and rewrites offline player positions straight from the
// world's playerdata files.
type Service struct {
	cfg Config
}

func NewService(cfg Config) *Service {
	if cfg.World == "" {
		cfg.World = "world"
	}
	return &Service{cfg: cfg}
}

func (s *Service) Register(d *onebot.Dispatcher) {
	d.Register(onebot.Command{Name: "坐标查询", Aliases: []string{"getpos", "查询坐标"}, Handler: s.handleGetPos})
	d.Register(onebot.Command{Name: "传送设置", Aliases: []string{"setpos", "设置坐标"}, AdminOnly: true, Handler: s.handleSetPos})
}

func (s *Service) handleGetPos(ctx context.Context, ev onebot.GroupMessage, args string) error {
	player := strings.TrimSpace(args)
	if player == "" {
		return s.reply(ctx, ev.GroupID, "用法：坐标查询 <玩家名>")
	}

	paths := s.datPaths(player)
	if len(paths) == 0 {
		return s.reply(ctx, ev.GroupID, fmt.Sprintf("找不到玩家 %s 的数据文件", player))
	}
	dat, err := readDat(paths[0])
	if err != nil {
		s.cfg.Logger.Error().Err(err).Str("player", player).Msg("read player data failed")
		return s.reply(ctx, ev.GroupID, "读取玩家数据失败："+err.Error())
	}
	x, y, z, err := dat.position()
	if err != nil {
		return s.reply(ctx, ev.GroupID, "玩家数据中没有坐标信息")
	}
	dim := dat.dimension()
	return s.reply(ctx, ev.GroupID, fmt.Sprintf(
		"玩家 %s 的坐标：\nX: %.2f\nY: %.2f\nZ: %.2f\n维度: %s (%s)",
		player, x, y, z, dimensionDisplay(dim), dim))
}

func (s *Service) handleSetPos(ctx context.Context, ev onebot.GroupMessage, args string) error {
	fields := strings.Fields(args)
	if len(fields) < 4 {
		return s.reply(ctx, ev.GroupID, "用法：传送设置 <玩家名> <x> <y> <z> [维度]")
	}
	player := fields[0]
	coords := make([]float64, 3)
	for i, f := range fields[1:4] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return s.reply(ctx, ev.GroupID, "坐标必须是数字")
		}
		coords[i] = v
	}
	x, y, z := coords[0], coords[1], coords[2]
	if x < -maxHorizontal || x > maxHorizontal || z < -maxHorizontal || z > maxHorizontal || y < minY || y > maxY {
		return s.reply(ctx, ev.GroupID, fmt.Sprintf(
			"坐标超出范围：X,Z 在 ±%d 之间，Y 在 %d 到 %d 之间", maxHorizontal, minY, maxY))
	}
	dim := "minecraft:overworld"
	if len(fields) > 4 {
		dim = fields[4]
	}

	paths := s.datPaths(player)
	if len(paths) == 0 {
		return s.reply(ctx, ev.GroupID, fmt.Sprintf("找不到玩家 %s 的数据文件", player))
	}

	// An online player's file would be rewritten on save, so kick first.
	if s.cfg.Rcon != nil {
		if _, err := s.cfg.Rcon.Execute(ctx, fmt.Sprintf("kick %s 坐标已修改，请重新登录", player)); err != nil {
			s.cfg.Logger.Warn().Err(err).Str("player", player).Msg("kick before setpos failed")
		}
	}

	// Rewrite both .dat and .dat_old so a crash rollback cannot undo it.
	updated := 0
	for _, path := range paths {
		dat, err := readDat(path)
		if err != nil {
			s.cfg.Logger.Error().Err(err).Str("path", path).Msg("read player data failed")
			continue
		}
		dat.setPosition(x, y, z)
		dat.setDimension(dim)
		if err := dat.write(path); err != nil {
			s.cfg.Logger.Error().Err(err).Str("path", path).Msg("write player data failed")
			continue
		}
		updated++
	}
	if updated == 0 {
		return s.reply(ctx, ev.GroupID, "修改失败：无法写入任何玩家数据文件")
	}

	if s.cfg.Store != nil {
		_ = s.cfg.Store.LogOp(ctx, storage.OpEntry{
			Actor:  ev.UserID,
			Action: "setpos",
			MetaJSON: fmt.Sprintf(`{"player":%q,"x":%g,"y":%g,"z":%g,"dimension":%q}`,
				player, x, y, z, dim),
		})
	}
	return s.reply(ctx, ev.GroupID, fmt.Sprintf(
		"已修改 %s 的坐标为 (%.0f, %.0f, %.0f)，维度 %s。玩家下次登录时生效",
		player, x, y, z, dimensionDisplay(dim)))
}

// datPaths resolves a player identifier to data files, .dat before
// .dat_old. The identifier may be a name (resolved through
// usercache.json), a dashed uuid, or an undashed one.
func (s *Service) datPaths(identifier string) []string {
	dir := filepath.Join(s.cfg.ServerDir, s.cfg.World, "playerdata")

	candidates := []string{identifier}
	if len(identifier) == 32 && !strings.Contains(identifier, "-") {
		candidates = append(candidates, dashUUID(identifier))
	}
	if uuid := s.lookupUUID(identifier); uuid != "" {
		candidates = append(candidates, uuid)
	}

	var out []string
	for _, c := range candidates {
		for _, ext := range []string{".dat", ".dat_old"} {
			path := filepath.Join(dir, c+ext)
			if _, err := os.Stat(path); err == nil {
				out = append(out, path)
			}
		}
		if len(out) > 0 {
			break
		}
	}
	return out
}

// lookupUUID resolves a player name through the server's usercache.
func (s *Service) lookupUUID(name string) string {
	b, err := os.ReadFile(filepath.Join(s.cfg.ServerDir, "usercache.json"))
	if err != nil {
		return ""
	}
	var entries []struct {
		Name string `json:"name"`
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(b, &entries); err != nil {
		s.cfg.Logger.Debug().Err(err).Msg("parse usercache failed")
		return ""
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) {
			return e.UUID
		}
	}
	return ""
}

func (s *Service) reply(ctx context.Context, groupID int64, text string) error {
	return s.cfg.Sender.SendGroupMessage(ctx, groupID, text)
}

func dimensionDisplay(dim string) string {
	if name, ok := dimensionNames[dim]; ok {
		return name
	}
	return dim
}

func dashUUID(s string) string {
	return s[:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:]
}
