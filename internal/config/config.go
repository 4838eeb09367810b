package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/clinic-crm/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
	Scoring   ScoringConfig   `yaml:"scoring" mapstructure:"scoring"`
	VIP       VIPConfig       `yaml:"vip" mapstructure:"vip"`
	Timezone  string          `yaml:"timezone" mapstructure:"timezone"`
}

// StoreConfig configures the master store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite, postgres, memory
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP front-end API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// BatchConfig configures weekly export discovery and parsing.
type BatchConfig struct {
	DataDir     string `yaml:"data_dir" mapstructure:"data_dir"`
	Encoding    string `yaml:"encoding" mapstructure:"encoding"` // "auto" or an IANA/WHATWG name
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
	TagPattern  string `yaml:"tag_pattern" mapstructure:"tag_pattern"`
}

// ExcludedVisit drops rows booked with one of Staff for Purpose
// (e.g. consult-only reservations).
type ExcludedVisit struct {
	Staff   []string `yaml:"staff" mapstructure:"staff"`
	Purpose string   `yaml:"purpose" mapstructure:"purpose"`
}

// ReconcileConfig configures master reconciliation.
type ReconcileConfig struct {
	ExcludedNames  []string        `yaml:"excluded_names" mapstructure:"excluded_names"`
	ExcludedVisits []ExcludedVisit `yaml:"excluded_visits" mapstructure:"excluded_visits"`
	DepositAmounts []int64         `yaml:"deposit_amounts" mapstructure:"deposit_amounts"`
}

// BandConfig is one (lower bound, label) row of the score tier table.
type BandConfig struct {
	Min   float64 `yaml:"min" mapstructure:"min"`
	Label string  `yaml:"label" mapstructure:"label"`
}

// StaffRule assigns patients carrying any of Tags, or whose name ends in
// one of Groups, to Staff.
type StaffRule struct {
	Staff  string   `yaml:"staff" mapstructure:"staff"`
	Tags   []string `yaml:"tags" mapstructure:"tags"`
	Groups []string `yaml:"groups" mapstructure:"groups"`
}

// ScoringConfig configures the CRM scoring engine.
type ScoringConfig struct {
	Bands            []BandConfig       `yaml:"bands" mapstructure:"bands"`
	FallbackWeights  map[string]float64 `yaml:"fallback_weights" mapstructure:"fallback_weights"`
	MinPopulation    int                `yaml:"min_population" mapstructure:"min_population"`
	LowerPercentile  float64            `yaml:"lower_percentile" mapstructure:"lower_percentile"`
	UpperPercentile  float64            `yaml:"upper_percentile" mapstructure:"upper_percentile"`
	NeutralScale     float64            `yaml:"neutral_scale" mapstructure:"neutral_scale"`
	DormantAfterDays int                `yaml:"dormant_after_days" mapstructure:"dormant_after_days"`
	DormantLabel     string             `yaml:"dormant_label" mapstructure:"dormant_label"`
	TargetMinDays    int                `yaml:"target_min_days" mapstructure:"target_min_days"`
	TargetMaxDays    int                `yaml:"target_max_days" mapstructure:"target_max_days"`
	LapseDays        int                `yaml:"lapse_days" mapstructure:"lapse_days"`
	PartialRatio     float64            `yaml:"partial_ratio" mapstructure:"partial_ratio"`
	StaffRules       []StaffRule        `yaml:"staff_rules" mapstructure:"staff_rules"`
}

// TierConfig is one revenue floor of the VIP membership table.
type TierConfig struct {
	Label      string `yaml:"label" mapstructure:"label"`
	MinRevenue int64  `yaml:"min_revenue" mapstructure:"min_revenue"`
}

// VIPConfig configures VIP snapshot criteria.
type VIPConfig struct {
	MinRevenue int64        `yaml:"min_revenue" mapstructure:"min_revenue"`
	WindowDays int          `yaml:"window_days" mapstructure:"window_days"`
	BaseTier   string       `yaml:"base_tier" mapstructure:"base_tier"`
	Tiers      []TierConfig `yaml:"tiers" mapstructure:"tiers"`
}

// MembershipTable converts the configured tiers into a model table.
func (c VIPConfig) MembershipTable() model.MembershipTable {
	tiers := make([]model.MembershipTier, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		tiers = append(tiers, model.MembershipTier{Label: t.Label, MinRevenue: decimal.NewFromInt(t.MinRevenue)})
	}
	return model.NewMembershipTable(tiers...)
}

// Location returns the configured clinic time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CLINIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "data/clinic.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:*"})
	v.SetDefault("timezone", "Asia/Seoul")

	v.SetDefault("batch.data_dir", "data")
	v.SetDefault("batch.encoding", "auto")
	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("batch.tag_pattern", "환자정보*.csv")

	v.SetDefault("reconcile.deposit_amounts", []int64{100_000, 350_000})

	v.SetDefault("scoring.bands", []map[string]any{
		{"min": 85, "label": "A1"},
		{"min": 70, "label": "A2"},
		{"min": 50, "label": "B1"},
		{"min": 30, "label": "B2"},
		{"min": 0, "label": "C"},
	})
	v.SetDefault("scoring.fallback_weights", map[string]float64{
		"net_revenue":  0.4,
		"visit_count":  0.3,
		"avg_purchase": 0.3,
	})
	v.SetDefault("scoring.min_population", 3)
	v.SetDefault("scoring.lower_percentile", 0.10)
	v.SetDefault("scoring.upper_percentile", 0.90)
	v.SetDefault("scoring.neutral_scale", 0.5)
	v.SetDefault("scoring.dormant_after_days", 90)
	v.SetDefault("scoring.dormant_label", "D")
	v.SetDefault("scoring.target_min_days", 45)
	v.SetDefault("scoring.target_max_days", 90)
	v.SetDefault("scoring.lapse_days", 120)
	v.SetDefault("scoring.partial_ratio", 0.66)

	v.SetDefault("vip.min_revenue", 5_000_000)
	v.SetDefault("vip.window_days", 180)
	v.SetDefault("vip.base_tier", "MEMBER")
	v.SetDefault("vip.tiers", []map[string]any{
		{"label": "VVIP", "min_revenue": 10_000_000},
		{"label": "VIP", "min_revenue": 5_000_000},
	})
}

// Validate checks the sections a command depends on.
func (c *Config) Validate(sections ...string) error {
	var errs []string
	for _, s := range sections {
		switch s {
		case "store":
			switch c.Store.Driver {
			case "sqlite":
				if c.Store.Path == "" {
					errs = append(errs, "store.path is required for sqlite")
				}
			case "postgres":
				if c.Store.DatabaseURL == "" {
					errs = append(errs, "store.database_url is required for postgres (CLINIC_STORE_DATABASE_URL)")
				}
			case "memory":
			default:
				errs = append(errs, fmt.Sprintf("store.driver %q is not one of sqlite, postgres, memory", c.Store.Driver))
			}
		case "scoring":
			if len(c.Scoring.Bands) == 0 {
				errs = append(errs, "scoring.bands must not be empty")
			}
			if c.Scoring.LowerPercentile < 0 || c.Scoring.UpperPercentile > 1 || c.Scoring.LowerPercentile >= c.Scoring.UpperPercentile {
				errs = append(errs, "scoring percentiles must satisfy 0 <= lower < upper <= 1")
			}
			if c.Scoring.TargetMaxDays > 0 && c.Scoring.TargetMaxDays < c.Scoring.TargetMinDays {
				errs = append(errs, "scoring.target_max_days must be >= target_min_days")
			}
		case "vip":
			if c.VIP.WindowDays < 0 {
				errs = append(errs, "vip.window_days must be >= 0")
			}
			labels := make(map[string]bool, len(c.VIP.Tiers))
			for _, t := range c.VIP.Tiers {
				if t.Label == "" {
					errs = append(errs, "vip.tiers labels must not be empty")
				}
				if labels[t.Label] {
					errs = append(errs, fmt.Sprintf("vip.tiers label %q is duplicated", t.Label))
				}
				labels[t.Label] = true
			}
			if c.VIP.BaseTier == "" {
				errs = append(errs, "vip.base_tier must not be empty")
			}
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
