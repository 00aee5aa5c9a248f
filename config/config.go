// Package config holds the council proxy's configuration surface:
// CouncilConfig and its nested sub-configs, loaded from YAML with
// environment-variable overrides (mirroring core/config.go's env-first,
// struct-default-second convention), plus an in-memory ConfigStore modeling
// the `configurations(config_type, version, config_data, active, updated_at)`
// table from spec §6 with optimistic MAX(version)+1 versioning (spec §9's
// Open Question: preserved as racy under contention, not fixed).
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// CouncilConfig is the top-level configuration snapshot the orchestrator
// receives for one request (spec §4.1).
type CouncilConfig struct {
	Members                    []MemberConfig     `yaml:"members"`
	MinimumSize                int                `yaml:"minimumSize"`
	RequireMinimumForConsensus bool               `yaml:"requireMinimumForConsensus"`
	Deliberation                DeliberationConfig `yaml:"deliberation"`
	Synthesis                   SynthesisConfig    `yaml:"synthesis"`
	Performance                 PerformanceConfig  `yaml:"performance"`
	Transparency                TransparencyConfig `yaml:"transparency"`
}

// MemberConfig is the YAML-serializable shape of a types.CouncilMember.
type MemberConfig struct {
	ID             string  `yaml:"id"`
	Provider       string  `yaml:"provider"`
	Model          string  `yaml:"model"`
	Version        string  `yaml:"version,omitempty"`
	Weight         float64 `yaml:"weight,omitempty"`
	TimeoutSeconds int     `yaml:"timeoutSeconds"`
}

// DeliberationConfig governs the fixed-round critique-exchange phase
// (spec §4.1 state 3).
type DeliberationConfig struct {
	Rounds int `yaml:"rounds"`
}

// SynthesisConfig selects the decision-production strategy (spec §4.1
// state 4) and, when the strategy is iterative-consensus, its parameters.
type SynthesisConfig struct {
	Strategy          string                  `yaml:"strategy"` // one of types.SynthesisStrategy
	IterativeConsensus IterativeConsensusConfig `yaml:"iterativeConsensus"`
}

// IterativeConsensusConfig parameterizes the negotiation loop (spec §4.2).
type IterativeConsensusConfig struct {
	MaxRounds          int     `yaml:"maxRounds"`
	AgreementThreshold float64 `yaml:"agreementThreshold"`
	DeadlockWindow     int     `yaml:"deadlockWindow"`
	DeadlockTolerance  float64 `yaml:"deadlockTolerance"`
	NegotiationMode    string  `yaml:"negotiationMode"` // "parallel" | "sequential"
	EmbeddingModel     string  `yaml:"embeddingModel"`
}

// DefaultIterativeConsensusConfig applies spec §4.2's stated defaults.
func DefaultIterativeConsensusConfig() IterativeConsensusConfig {
	return IterativeConsensusConfig{
		MaxRounds:          5,
		AgreementThreshold: 0.85,
		DeadlockWindow:     3,
		DeadlockTolerance:  0.01,
		NegotiationMode:    "parallel",
	}
}

// PerformanceConfig bounds request-level latency (spec §4.1, §5).
type PerformanceConfig struct {
	GlobalTimeoutSeconds int `yaml:"globalTimeoutSeconds"`
}

// TransparencyConfig controls how much deliberation detail is exposed
// alongside the decision (audit verbosity knobs consumed by the gateway,
// out of scope for specification beyond this config carrier — spec §1).
type TransparencyConfig struct {
	IncludeDeliberationTranscript bool `yaml:"includeDeliberationTranscript"`
	IncludeTokenUsage             bool `yaml:"includeTokenUsage"`
}

// DefaultCouncilConfig returns a minimal configuration: no members,
// minimum size 1, zero deliberation rounds, consensus-extraction
// synthesis, a 60s global timeout. Callers override via LoadFromYAML +
// env vars.
func DefaultCouncilConfig() CouncilConfig {
	return CouncilConfig{
		MinimumSize:                 1,
		RequireMinimumForConsensus:  false,
		Deliberation:                DeliberationConfig{Rounds: 0},
		Synthesis:                   SynthesisConfig{Strategy: "consensus-extraction"},
		Performance:                 PerformanceConfig{GlobalTimeoutSeconds: 60},
		Transparency:                TransparencyConfig{},
	}
}

// LoadFromYAML parses a CouncilConfig from YAML bytes, then applies
// environment-variable overrides, following the teacher's env-first
// convention (core/config.go reads GOMIND_* vars over struct defaults;
// here COUNCIL_* vars override fields present in the YAML document).
func LoadFromYAML(data []byte) (CouncilConfig, error) {
	cfg := DefaultCouncilConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return CouncilConfig{}, fmt.Errorf("parsing council config: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides mirrors core/config.go's pattern of env vars taking
// precedence over whatever the config file specified.
func applyEnvOverrides(cfg *CouncilConfig) {
	if v := os.Getenv("COUNCIL_GLOBAL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Performance.GlobalTimeoutSeconds = n
		}
	}
	if v := os.Getenv("COUNCIL_MINIMUM_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinimumSize = n
		}
	}
	if v := os.Getenv("COUNCIL_DELIBERATION_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Deliberation.Rounds = n
		}
	}
	if v := os.Getenv("COUNCIL_SYNTHESIS_STRATEGY"); v != "" {
		cfg.Synthesis.Strategy = v
	}
	if v := os.Getenv("COUNCIL_REQUIRE_MINIMUM_FOR_CONSENSUS"); v != "" {
		cfg.RequireMinimumForConsensus = v == "true" || v == "1"
	}
}

// configRow models one row of the `configurations` table (spec §6).
type configRow struct {
	configType string
	version    int
	data       CouncilConfig
	active     bool
	updatedAt  time.Time
}

// ConfigStore is an in-memory model of the `configurations` table with
// optimistic MAX(version)+1 + `active` last-write-wins versioning, per
// spec §9's explicit instruction to preserve (not fix) the race under
// contention.
type ConfigStore struct {
	mu   sync.Mutex
	rows map[string][]configRow // configType -> rows, append-only
}

// NewConfigStore creates an empty store.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{rows: make(map[string][]configRow)}
}

// Update inserts a new version of configType, deactivating all prior rows
// and activating this one. Two concurrent Update calls for the same
// configType race on MAX(version)+1 exactly as spec §9 describes; this is
// intentional, not a bug.
func (s *ConfigStore) Update(configType string, cfg CouncilConfig) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.rows[configType]
	nextVersion := 1
	for i := range rows {
		if rows[i].version >= nextVersion {
			nextVersion = rows[i].version + 1
		}
		rows[i].active = false
	}

	rows = append(rows, configRow{
		configType: configType,
		version:    nextVersion,
		data:       cfg,
		active:     true,
		updatedAt:  time.Now(),
	})
	s.rows[configType] = rows
	return nextVersion
}

// Effective returns the row with the highest version where active=true,
// per spec §6: "effective config = row with highest version and active=true".
func (s *ConfigStore) Effective(configType string) (CouncilConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.rows[configType]
	var best *configRow
	for i := range rows {
		if !rows[i].active {
			continue
		}
		if best == nil || rows[i].version > best.version {
			best = &rows[i]
		}
	}
	if best == nil {
		return CouncilConfig{}, false
	}
	return best.data, true
}
