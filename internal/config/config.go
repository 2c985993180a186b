package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	SyncModeAuto   = "auto"
	SyncModeManual = "manual"
)

var (
	ErrMissingRconPassword = errors.New("RCON_PASSWORD is required")
	ErrMissingServerDir    = errors.New("MC_SERVER_DIR is required")
	ErrMissingDatabaseDSN  = errors.New("DB_DSN is required")
	ErrMissingAdminQQ      = errors.New("ADMIN_QQ_IDS is required and must contain at least one id")
	ErrInvalidSyncMode     = errors.New("SYNC_MODE must be 'auto' or 'manual'")
	ErrMissingMasterKey    = errors.New("at least one master key is required")
)

type Config struct {
	AdminQQIDs []int64

	OneBot    OneBotConfig
	Rcon      RconConfig
	Server    ServerConfig
	LogWatch  LogWatchConfig
	Binding   BindingConfig
	Sync      SyncConfig
	Audit     AuditConfig
	Chunks    ChunksConfig
	Redis     RedisConfig
	DB        DBConfig
	Worker    WorkerConfig
	HTTP      HTTPConfig
	AdminHTTP AdminHTTPConfig
	Rate      RateConfig
	Crypto    CryptoConfig
	Log       LogConfig
}

type OneBotConfig struct {
	Path        string
	AccessToken string
}

type RconConfig struct {
	Addr     string
	Password string
	Timeout  time.Duration
}

type ServerConfig struct {
	Dir       string
	WorldName string
}

type LogWatchConfig struct {
	Path         string
	PollInterval time.Duration
	ChatRegex    string
	DedupTTL     time.Duration
}

type BindingConfig struct {
	GroupIDs      []int64
	MaxPerQQ      int
	VerifyTimeout time.Duration
}

type SyncConfig struct {
	GroupIDs     []int64
	Mode         string
	MCFormat     string
	QQFormat     string
	DedupWindow  time.Duration
	AutoMCToQQ   bool
	ManualMCToQQ bool
	MCPrefix     string
	QQToMC       bool
}

type AuditConfig struct {
	GroupIDs      []int64
	QuestionCount int
	PassScore     int
	AnswerTimeout time.Duration
	SessionTTL    time.Duration
	Cooldown      time.Duration
	MaxWhitelist  int
	AIBaseURL     string
	AIAPIKey      string
	AIModel       string
	AITimeout     time.Duration
	CmdAdd        string
	CmdRemove     string
	CmdList       string
	CmdOn         string
	CmdOff        string
	CmdReload     string
}

type ChunksConfig struct {
	BackupDir      string
	AreaLimit      int
	ConfirmTimeout time.Duration
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	QueueStream string
	QueueGroup  string
	QueueBlock  time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
}

type HTTPConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
}

type AdminHTTPConfig struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
}

type RateConfig struct {
	PerMinute int64
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		AdminQQIDs: mustIDList("ADMIN_QQ_IDS"),
		OneBot: OneBotConfig{
			Path:        "/" + strings.Trim(mustEnv("ONEBOT_PATH", "onebot"), "/"),
			AccessToken: mustEnv("ONEBOT_ACCESS_TOKEN", ""),
		},
		Rcon: RconConfig{
			Addr:     mustEnv("RCON_ADDR", "127.0.0.1:25575"),
			Password: mustEnv("RCON_PASSWORD", ""),
			Timeout:  mustDuration("RCON_TIMEOUT", 5*time.Second),
		},
		Server: ServerConfig{
			Dir:       mustEnv("MC_SERVER_DIR", ""),
			WorldName: mustEnv("MC_WORLD_NAME", "world"),
		},
		LogWatch: LogWatchConfig{
			Path:         mustEnv("MC_LOG_PATH", ""),
			PollInterval: mustDuration("MC_LOG_POLL_INTERVAL", 1*time.Second),
			ChatRegex:    mustEnv("MC_CHAT_REGEX", `.*\[Not Secure\]\s*<([^>]+)>\s*(.+)`),
			DedupTTL:     mustDuration("MC_LOG_DEDUP_TTL", 10*time.Minute),
		},
		Binding: BindingConfig{
			GroupIDs:      mustIDList("BINDING_GROUP_IDS"),
			MaxPerQQ:      mustInt("BINDING_MAX_PER_QQ", 1),
			VerifyTimeout: mustDuration("BINDING_VERIFY_TIMEOUT", 5*time.Minute),
		},
		Sync: SyncConfig{
			GroupIDs:     mustIDList("SYNC_GROUP_IDS"),
			Mode:         strings.ToLower(mustEnv("SYNC_MODE", SyncModeManual)),
			MCFormat:     mustEnv("SYNC_MC_FORMAT", "[MC] {player}: {message}"),
			QQFormat:     mustEnv("SYNC_QQ_FORMAT", "[QQ] {nickname}: {message}"),
			DedupWindow:  mustDuration("SYNC_DEDUP_WINDOW", 5*time.Second),
			AutoMCToQQ:   mustBool("SYNC_MC_AUTO", true),
			ManualMCToQQ: mustBool("SYNC_MC_MANUAL", true),
			MCPrefix:     mustEnv("SYNC_MC_PREFIX", "qq"),
			QQToMC:       mustBool("SYNC_QQ_TO_MC", true),
		},
		Audit: AuditConfig{
			GroupIDs:      mustIDList("AUDIT_GROUP_IDS"),
			QuestionCount: mustInt("AUDIT_QUESTION_COUNT", 6),
			PassScore:     mustInt("AUDIT_PASS_SCORE", 0),
			AnswerTimeout: mustDuration("AUDIT_ANSWER_TIMEOUT", 180*time.Second),
			SessionTTL:    mustDuration("AUDIT_SESSION_TTL", 30*time.Minute),
			Cooldown:      mustDuration("AUDIT_COOLDOWN", 1*time.Hour),
			MaxWhitelist:  mustInt("AUDIT_MAX_WHITELIST", 0),
			AIBaseURL:     mustEnv("AI_BASE_URL", ""),
			AIAPIKey:      mustEnv("AI_API_KEY", ""),
			AIModel:       mustEnv("AI_MODEL", ""),
			AITimeout:     mustDuration("AI_TIMEOUT", 60*time.Second),
			CmdAdd:        mustEnv("WHITELIST_ADD_CMD", "whitelist add {player}"),
			CmdRemove:     mustEnv("WHITELIST_REMOVE_CMD", "whitelist remove {player}"),
			CmdList:       mustEnv("WHITELIST_LIST_CMD", "whitelist list"),
			CmdOn:         mustEnv("WHITELIST_ON_CMD", "whitelist on"),
			CmdOff:        mustEnv("WHITELIST_OFF_CMD", "whitelist off"),
			CmdReload:     mustEnv("WHITELIST_RELOAD_CMD", "whitelist reload"),
		},
		Chunks: ChunksConfig{
			BackupDir:      mustEnv("CHUNK_BACKUP_DIR", "chunk_backups"),
			AreaLimit:      mustInt("CHUNK_AREA_LIMIT", 100),
			ConfirmTimeout: mustDuration("CHUNK_CONFIRM_TIMEOUT", 180*time.Second),
		},
		Redis: RedisConfig{
			Addr:        mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:    mustEnv("REDIS_PASSWORD", ""),
			DB:          mustInt("REDIS_DB", 0),
			QueueStream: mustEnv("QUEUE_STREAM", "msmpbot:jobs"),
			QueueGroup:  mustEnv("QUEUE_GROUP", "msmpbot-workers"),
			QueueBlock:  mustDuration("QUEUE_BLOCK", 5*time.Second),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "file:msmpbot.db?_pragma=busy_timeout(5000)"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 2),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   mustInt("WORKER_MAX_RETRIES", 3),
		},
		HTTP: HTTPConfig{
			MaxRetries:  mustInt("HTTP_MAX_RETRIES", 2),
			BackoffBase: mustDuration("HTTP_BACKOFF_BASE", 400*time.Millisecond),
		},
		AdminHTTP: AdminHTTPConfig{
			ListenAddr:  mustEnv("HTTP_LISTEN", ":8080"),
			HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
		},
		Rate: RateConfig{
			PerMinute: int64(mustInt("RATE_LIMIT_PER_MIN", 20)),
		},
		Log: LogConfig{
			Level:  strings.ToLower(mustEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(mustEnv("LOG_FORMAT", "json")),
		},
	}

	if cfg.Rcon.Password == "" {
		return nil, ErrMissingRconPassword
	}
	if cfg.Server.Dir == "" {
		return nil, ErrMissingServerDir
	}
	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if len(cfg.AdminQQIDs) == 0 {
		return nil, ErrMissingAdminQQ
	}
	if cfg.Sync.Mode != SyncModeAuto && cfg.Sync.Mode != SyncModeManual {
		return nil, ErrInvalidSyncMode
	}
	if cfg.Audit.QuestionCount < 1 {
		cfg.Audit.QuestionCount = 6
	}
	// Pass threshold defaults to 60% of the maximum (10 points per question).
	if cfg.Audit.PassScore <= 0 {
		cfg.Audit.PassScore = cfg.Audit.QuestionCount * 10 * 60 / 100
	}
	if cfg.LogWatch.Path == "" {
		cfg.LogWatch.Path = cfg.Server.Dir + "/logs/latest.log"
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// mustIDList parses a comma separated list of int64 ids, dropping blanks
// and values that do not parse.
func mustIDList(key string) []int64 {
	raw := mustEnv(key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		out = append(out, n)
	}
	return out
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
