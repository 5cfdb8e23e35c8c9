package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config carries process-level settings sourced from the environment.
type Config struct {
	DatabaseURL     string
	JWTSecret       string
	OfferExpiryDays int
	SweepCron       string
	RulesPath       string
}

// Load reads .env (if present) and the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		OfferExpiryDays: 14,
		SweepCron:       os.Getenv("SWEEP_CRON"),
		RulesPath:       os.Getenv("RULES_PATH"),
	}

	if v := os.Getenv("OFFER_EXPIRY_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			return Config{}, fmt.Errorf("config: invalid OFFER_EXPIRY_DAYS %q", v)
		}
		cfg.OfferExpiryDays = days
	}
	if cfg.SweepCron == "" {
		cfg.SweepCron = "@every 5m"
	}

	return cfg, nil
}

// Rules is the jurisdiction rulebook: statutory cooling-off periods vary by
// state, so they are data rather than code.
type Rules struct {
	DefaultCoolingOffDays int                     `yaml:"default_cooling_off_days"`
	Jurisdictions         map[string]Jurisdiction `yaml:"jurisdictions"`
}

type Jurisdiction struct {
	CoolingOffDays int `yaml:"cooling_off_days"`
}

// DefaultRules returns the rulebook used when no YAML file is configured.
func DefaultRules() *Rules {
	return &Rules{DefaultCoolingOffDays: 5}
}

// LoadRules parses a YAML rulebook from disk. An empty path yields defaults.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read rules %s: %w", path, err)
	}

	rules := DefaultRules()
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("config: parse rules %s: %w", path, err)
	}
	if rules.DefaultCoolingOffDays <= 0 {
		rules.DefaultCoolingOffDays = 5
	}

	return rules, nil
}

// CoolingOffDays resolves the statutory cooling-off period (in business days)
// for a jurisdiction code such as "nsw" or "vic".
func (r *Rules) CoolingOffDays(jurisdiction string) int {
	if j, ok := r.Jurisdictions[jurisdiction]; ok && j.CoolingOffDays > 0 {
		return j.CoolingOffDays
	}
	return r.DefaultCoolingOffDays
}
