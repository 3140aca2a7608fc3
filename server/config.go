package server

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultAddr 固定的本地回环监听地址
	DefaultAddr = "127.0.0.1:7777"
	// DefaultBroadcastInterval 每连接约 30Hz 的状态广播
	DefaultBroadcastInterval = 33 * time.Millisecond
	// DefaultTickRate 模拟频率需高于广播频率，相邻两次 State 之间至少推进一个 Tick
	DefaultTickRate = 60
)

// Config 服务配置。优先级：默认值 → YAML 文件 → 环境变量 → 命令行参数
type Config struct {
	Addr     string `yaml:"addr"`
	Version  string `yaml:"version"`
	Agent    string `yaml:"agent"`
	TickRate uint32 `yaml:"tick_rate"`

	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	IntentQueueSize   int           `yaml:"intent_queue_size"`
	// 为 true 时按连接分别保留最后一条 MoveTo；false 时所有连接共用一个键
	CoalescePerConnection bool `yaml:"coalesce_per_connection"`

	IntentRateLimit float64 `yaml:"intent_rate_limit"` // 每连接每秒意图数，0 表示不限
	IntentBurst     int     `yaml:"intent_burst"`

	ReadLimit    int64         `yaml:"read_limit"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"` // 0 表示不发送传输层 ping
	PongWait     time.Duration `yaml:"pong_wait"`

	JournalDir string `yaml:"journal_dir"`
	IndexDB    string `yaml:"index_db"`

	Log LogConfig `yaml:"log"`
}

type LogConfig struct {
	File    string `yaml:"file"`
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

func DefaultConfig() Config {
	return Config{
		Addr:                  DefaultAddr,
		Version:               ProtocolVersion,
		Agent:                 "poc",
		TickRate:              DefaultTickRate,
		BroadcastInterval:     DefaultBroadcastInterval,
		SweepInterval:         DefaultSweepInterval,
		IntentQueueSize:       DefaultIntentQueueSize,
		CoalescePerConnection: true,
		IntentBurst:           10,
		ReadLimit:             1 << 20, // 1MB
		WriteTimeout:          5 * time.Second,
		PingInterval:          0,
		PongWait:              60 * time.Second,
		Log: LogConfig{
			File:  "gapserver.log",
			Level: "debug",
		},
	}
}

// LoadConfig 按优先级加载配置；args 不含程序名
func LoadConfig(args []string, lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()

	path := configPathFromArgs(args)
	if path == "" && lookupEnv != nil {
		path, _ = lookupEnv("GAP_CONFIG")
	}
	if path != "" {
		if err := cfg.ReadFile(path); err != nil {
			return cfg, err
		}
	}

	if lookupEnv != nil {
		if err := cfg.ApplyEnv(lookupEnv); err != nil {
			return cfg, err
		}
	}

	fs := flag.NewFlagSet("gapserver", flag.ContinueOnError)
	fs.String("config", path, "path to YAML config file (optional)")
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadDotEnv 读取 .env（不存在时忽略），已存在的环境变量不被覆盖
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ReadFile 用 YAML 文件覆盖当前值；文件中缺省的字段保持不变
func (c *Config) ReadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// ApplyEnv 读取 GAP_* 环境变量
func (c *Config) ApplyEnv(lookupEnv func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("GAP_ADDR", &c.Addr)
	str("GAP_AGENT", &c.Agent)
	str("GAP_JOURNAL_DIR", &c.JournalDir)
	str("GAP_INDEX_DB", &c.IndexDB)
	str("GAP_LOG_FILE", &c.Log.File)
	str("GAP_LOG_LEVEL", &c.Log.Level)

	if v, ok := lookupEnv("GAP_INTENT_RATE_LIMIT"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("GAP_INTENT_RATE_LIMIT: %w", err)
		}
		c.IntentRateLimit = f
	}
	if v, ok := lookupEnv("GAP_BROADCAST_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("GAP_BROADCAST_INTERVAL: %w", err)
		}
		c.BroadcastInterval = d
	}
	if v, ok := lookupEnv("GAP_COALESCE_PER_CONNECTION"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GAP_COALESCE_PER_CONNECTION: %w", err)
		}
		c.CoalescePerConnection = b
	}
	return nil
}

// RegisterFlags 以当前值为默认值注册命令行参数
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "listen address, e.g. 127.0.0.1:7777")
	fs.StringVar(&c.Version, "version", c.Version, "protocol version sent in hello")
	fs.StringVar(&c.Agent, "agent", c.Agent, "agent name sent in hello (empty for null)")
	fs.Func("tick-rate", "simulation ticks per second (default 60)", func(v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return err
		}
		c.TickRate = uint32(n)
		return nil
	})
	fs.DurationVar(&c.BroadcastInterval, "broadcast-interval", c.BroadcastInterval, "per-connection state broadcast interval")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "intent aggregator sweep interval")
	fs.IntVar(&c.IntentQueueSize, "intent-queue", c.IntentQueueSize, "bounded queue size between aggregator and simulation")
	fs.BoolVar(&c.CoalescePerConnection, "coalesce-per-connection", c.CoalescePerConnection, "keep the last MoveTo per connection instead of globally")
	fs.Float64Var(&c.IntentRateLimit, "intent-rate", c.IntentRateLimit, "per-connection intents per second (0 disables)")
	fs.IntVar(&c.IntentBurst, "intent-burst", c.IntentBurst, "per-connection intent burst")
	fs.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "websocket ping interval (0 disables)")
	fs.StringVar(&c.JournalDir, "journal", c.JournalDir, "directory for the applied-intent journal (empty disables)")
	fs.StringVar(&c.IndexDB, "index-db", c.IndexDB, "sqlite path for the session index (empty disables)")
	fs.StringVar(&c.Log.File, "log-file", c.Log.File, "log file path")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level: debug, info, warn, error")
	fs.BoolVar(&c.Log.Console, "log-console", c.Log.Console, "also write logs to stdout")
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is empty"))
	}
	if c.TickRate == 0 {
		errs = append(errs, errors.New("tick_rate must be positive"))
	}
	if c.BroadcastInterval <= 0 {
		errs = append(errs, errors.New("broadcast_interval must be positive"))
	}
	// 模拟步长不短于广播间隔时，相邻的 State 可能携带相同的 Tick
	if c.TickRate > 0 && c.BroadcastInterval > 0 && time.Second/time.Duration(c.TickRate) >= c.BroadcastInterval {
		errs = append(errs, fmt.Errorf("tick_rate %d must tick faster than broadcast_interval %s", c.TickRate, c.BroadcastInterval))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	if c.IntentQueueSize < 1 {
		errs = append(errs, errors.New("intent_queue_size must be at least 1"))
	}
	if c.IntentRateLimit < 0 {
		errs = append(errs, errors.New("intent_rate_limit must not be negative"))
	}
	if c.IntentRateLimit > 0 && c.IntentBurst < 1 {
		errs = append(errs, errors.New("intent_burst must be at least 1 when rate limiting"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write_timeout must be positive"))
	}
	if c.PingInterval < 0 {
		errs = append(errs, errors.New("ping_interval must not be negative"))
	}
	if c.PingInterval > 0 && c.PongWait <= c.PingInterval {
		errs = append(errs, errors.New("pong_wait must exceed ping_interval"))
	}
	return errors.Join(errs...)
}

// Public 用于 /admin/config 输出
func (c Config) Public() map[string]any {
	return map[string]any{
		"addr":                    c.Addr,
		"version":                 c.Version,
		"agent":                   c.Agent,
		"tick_rate":               c.TickRate,
		"broadcast_interval":      c.BroadcastInterval.String(),
		"sweep_interval":          c.SweepInterval.String(),
		"intent_queue_size":       c.IntentQueueSize,
		"coalesce_per_connection": c.CoalescePerConnection,
		"intent_rate_limit":       c.IntentRateLimit,
		"intent_burst":            c.IntentBurst,
		"read_limit":              c.ReadLimit,
		"write_timeout":           c.WriteTimeout.String(),
		"ping_interval":           c.PingInterval.String(),
		"pong_wait":               c.PongWait.String(),
		"journal_dir":             c.JournalDir,
		"index_db":                c.IndexDB,
		"log_level":               c.Log.Level,
	}
}

func configPathFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		name := strings.TrimLeft(a, "-")
		if len(a)-len(name) < 1 || len(a)-len(name) > 2 {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
