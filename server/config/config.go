package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"

	"skirmish/server/authority"
	"skirmish/server/settlement"
	"skirmish/utils"
)

var ErrInvalidConfig = errors.New("config: invalid value")

// Config はゲームサーバーの起動設定です。
type Config struct {
	Addr         string
	Port         string
	LogLevel     slog.Level
	TickInterval time.Duration
	OTLPEndpoint string

	Settlement settlement.Config
	Authority  authority.ClientConfig
}

func (c Config) ListenAddr() string { return c.Addr + ":" + c.Port }

// Load はフラグを解析して設定を作ります。各フラグの既定値は環境変数から読みます。
func Load(args []string) (Config, error) {
	def := settlement.DefaultConfig()
	fs := flag.NewFlagSet("skirmish", flag.ContinueOnError)
	fs.SortFlags = false

	addr := fs.String("addr", utils.GetEnvDefault("ADDR", "localhost"), "listen address")
	port := fs.String("port", utils.GetEnvDefault("PORT", "9090"), "listen port")
	logLevel := fs.String("log-level", utils.GetEnvDefault("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	tick := fs.Duration("tick", envDuration("TICK_INTERVAL", time.Second/60), "room tick interval")
	otlp := fs.String("otlp-endpoint", utils.GetEnvDefault("OTLP_ENDPOINT", ""), "OTLP gRPC endpoint; empty disables export")

	region := fs.String("region", utils.GetEnvDefault("REGION", ""), "server region; empty rates every player")
	lowPop := fs.Int("low-population", envInt("LOW_POPULATION", def.LowPopulationThreshold), "spawned players below which equipment does not wear")
	veryLowPop := fs.Int("very-low-population", envInt("VERY_LOW_POPULATION", def.VeryLowPopulationThreshold), "spawned players below which multipliers reset to 1")
	expRate := fs.Float64("experience-per-second", envFloat("EXPERIENCE_PER_SECOND", def.ExperiencePerSecond), "base experience per rewarded second")
	goldRate := fs.Float64("gold-per-second", envFloat("GOLD_PER_SECOND", def.GoldPerSecond), "base gold per rewarded second")
	breakProb := fs.Float64("break-probability", envFloat("BREAK_PROBABILITY", def.BreakProbability), "per item break probability per settlement")
	repairRate := fs.Float64("repair-rate", envFloat("REPAIR_RATE_PER_SECOND", def.RepairRatePerSecond), "repair cost per item value per upkeep second")
	tau := fs.Float64("tau", envFloat("RATING_TAU", def.Tau), "Glicko-2 volatility constraint")
	killScore := fs.Int("kill-score", envInt("KILL_SCORE", def.KillScore), "valour score for an enemy kill")
	tournament := fs.Bool("tournament", envBool("TOURNAMENT_ALLOWED", def.TournamentAllowed), "allow tournament characters")
	happyHour := fs.String("happy-hour", utils.GetEnvDefault("HAPPY_HOUR", ""), "daily happy hour window HH:MM-HH:MM")
	happyFactor := fs.Float64("happy-hour-factor", envFloat("HAPPY_HOUR_FACTOR", 2), "reward factor during happy hour")
	timezone := fs.String("timezone", utils.GetEnvDefault("TZ", "UTC"), "time zone of the happy hour window")
	attempts := fs.Uint("retry-attempts", uint(envInt("RETRY_ATTEMPTS", int(def.Retry.MaxAttempts))), "settlement submission attempts")
	retryInitial := fs.Duration("retry-initial", envDuration("RETRY_INITIAL_INTERVAL", def.Retry.InitialInterval), "first retry delay")
	retryMax := fs.Duration("retry-max", envDuration("RETRY_MAX_INTERVAL", def.Retry.MaxInterval), "maximum retry delay")
	attemptTimeout := fs.Duration("attempt-timeout", envDuration("ATTEMPT_TIMEOUT", def.Retry.AttemptTimeout), "timeout of one submission attempt")

	authorityURL := fs.String("authority-url", utils.GetEnvDefault("AUTHORITY_URL", "http://localhost:9091"), "base URL of the user authority")
	authoritySecret := fs.String("authority-secret", utils.GetEnvDefault("AUTHORITY_SECRET", ""), "HS256 secret shared with the authority")
	authorityRPS := fs.Float64("authority-rps", envFloat("AUTHORITY_RPS", 20), "authority requests per second; 0 disables limiting")
	authorityBurst := fs.Int("authority-burst", envInt("AUTHORITY_BURST", 5), "authority request burst")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Addr:         *addr,
		Port:         *port,
		TickInterval: *tick,
		OTLPEndpoint: *otlp,
		Authority: authority.ClientConfig{
			BaseURL:           *authorityURL,
			Secret:            []byte(*authoritySecret),
			RequestsPerSecond: *authorityRPS,
			Burst:             *authorityBurst,
			Timeout:           *attemptTimeout,
		},
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(*logLevel)); err != nil {
		return Config{}, fmt.Errorf("%w: log-level: %v", ErrInvalidConfig, err)
	}

	loc, err := time.LoadLocation(*timezone)
	if err != nil {
		return Config{}, fmt.Errorf("%w: timezone: %v", ErrInvalidConfig, err)
	}
	hh, err := settlement.ParseHappyHour(*happyHour, *happyFactor, loc)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg.Settlement = settlement.Config{
		Region:                     *region,
		LowPopulationThreshold:     *lowPop,
		VeryLowPopulationThreshold: *veryLowPop,
		ExperiencePerSecond:        *expRate,
		GoldPerSecond:              *goldRate,
		BreakProbability:           *breakProb,
		RepairRatePerSecond:        *repairRate,
		Tau:                        *tau,
		KillScore:                  *killScore,
		TournamentAllowed:          *tournament,
		HappyHour:                  hh,
		Retry: settlement.RetryPolicy{
			MaxAttempts:     *attempts,
			InitialInterval: *retryInitial,
			MaxInterval:     *retryMax,
			AttemptTimeout:  *attemptTimeout,
		},
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	s := c.Settlement
	switch {
	case c.TickInterval <= 0:
		return fmt.Errorf("%w: tick must be positive", ErrInvalidConfig)
	case s.BreakProbability < 0 || s.BreakProbability > 1:
		return fmt.Errorf("%w: break-probability must be within [0,1]", ErrInvalidConfig)
	case s.RepairRatePerSecond < 0 || s.ExperiencePerSecond < 0 || s.GoldPerSecond < 0:
		return fmt.Errorf("%w: rates must not be negative", ErrInvalidConfig)
	case s.VeryLowPopulationThreshold < 0 || s.LowPopulationThreshold < s.VeryLowPopulationThreshold:
		return fmt.Errorf("%w: low-population must be at least very-low-population", ErrInvalidConfig)
	case s.Tau <= 0:
		return fmt.Errorf("%w: tau must be positive", ErrInvalidConfig)
	case s.Retry.MaxAttempts < 1:
		return fmt.Errorf("%w: retry-attempts must be at least 1", ErrInvalidConfig)
	case s.Retry.InitialInterval <= 0 || s.Retry.MaxInterval < s.Retry.InitialInterval:
		return fmt.Errorf("%w: retry intervals", ErrInvalidConfig)
	case c.Authority.BaseURL == "":
		return fmt.Errorf("%w: authority-url is required", ErrInvalidConfig)
	case len(c.Authority.Secret) == 0:
		return fmt.Errorf("%w: authority-secret is required", ErrInvalidConfig)
	}
	return nil
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(utils.GetEnvDefault(key, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(utils.GetEnvDefault(key, ""), 64)
	if err != nil {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(utils.GetEnvDefault(key, strconv.FormatBool(def)))
	if err != nil {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(utils.GetEnvDefault(key, def.String()))
	if err != nil {
		return def
	}
	return v
}
