// Package config implements the simulator's genesis-style run
// configuration: a JSON-loadable RunConfig describing agent population,
// incentive-mechanism choice, and its parameters. Grounded on the
// teacher's chain/config.GenesisConfig quartet (LoadGenesisConfig /
// Validate / DefaultGenesisConfig / a ChainConfig-shaped nested struct),
// generalized from chain genesis allocation to simulator agent profiles.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"collabsim/pkg/ledger"
)

// AgentConfig is one entry of a RunConfig's agent population, matching
// spec.md §4.7's stochastic profile tuple.
type AgentConfig struct {
	Name         string        `json:"name"`
	StartBalance ledger.Amount `json:"startBalance"`
	MeanDeposit  float64       `json:"meanDeposit"`
	StdevDeposit float64       `json:"stdevDeposit"`
	MeanWaitS    float64       `json:"meanWaitS"`
	Good         bool          `json:"good"`
	ProbMistake  float64       `json:"probMistake"`
	CallsModel   bool          `json:"callsModel"`
	PayToCall    ledger.Amount `json:"payToCall"`
}

// StakeableConfig holds the Stakeable IM's tunable parameters, mirrored
// from stakeable.Config so the JSON schema does not import pkg/incentive.
type StakeableConfig struct {
	RefundWait   float64 `json:"refundWaitS"`
	TakeoverWait float64 `json:"takeoverWaitS"`
	CostWeight   float64 `json:"costWeight"`
}

// MarketConfig holds the Prediction Market IM's tunable parameters.
type MarketConfig struct {
	TotalBounty                 ledger.Amount `json:"totalBounty"`
	MinLengthS                  float64       `json:"minLengthS"`
	MinNumContributions         int           `json:"minNumContributions"`
	AllowGreaterDeposit         bool          `json:"allowGreaterDeposit"`
	GroupContributions          bool          `json:"groupContributions"`
	ResetModelDuringRewardPhase bool          `json:"resetModelDuringRewardPhase"`
	TakeoverWait                float64       `json:"takeoverWaitS"`
}

// RunConfig is the top-level, JSON-loadable configuration for one
// simulator run, the genesis-config analogue for this domain.
type RunConfig struct {
	Seed               int64           `json:"seed"`
	IncentiveMechanism string          `json:"incentiveMechanism"` // "stakeable" | "market"
	Classifier         string          `json:"classifier"`         // "centroid"
	DurationS          float64         `json:"durationS"`
	Agents             []AgentConfig   `json:"agents"`
	Stakeable          StakeableConfig `json:"stakeable"`
	Market             MarketConfig    `json:"market"`
	DataDir            string          `json:"dataDir"`
	Persist            bool            `json:"persist"`
	MetricsAddr        string          `json:"metricsAddr"`
}

// LoadRunConfig reads and validates a RunConfig from a JSON file.
func LoadRunConfig(path string) (*RunConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("run config file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run config: %w", err)
	}

	cfg := DefaultRunConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse run config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}
	return cfg, nil
}

// Validate checks structural invariants of a RunConfig.
func (c *RunConfig) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	if c.DurationS <= 0 {
		return fmt.Errorf("durationS must be positive")
	}
	switch c.IncentiveMechanism {
	case "stakeable", "market":
	default:
		return fmt.Errorf("unknown incentive mechanism: %s", c.IncentiveMechanism)
	}
	if c.IncentiveMechanism == "market" {
		if c.Market.TotalBounty <= 0 {
			return fmt.Errorf("market.totalBounty must be positive")
		}
		if c.Market.MinNumContributions <= 0 {
			return fmt.Errorf("market.minNumContributions must be positive")
		}
	}
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent at index %d: missing name", i)
		}
		if a.StartBalance < 0 {
			return fmt.Errorf("agent %s: startBalance must be non-negative", a.Name)
		}
	}
	return nil
}

// DefaultRunConfig returns a minimal, valid single-agent Stakeable run.
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		Seed:               1,
		IncentiveMechanism: "stakeable",
		Classifier:         "centroid",
		DurationS:          60 * 60 * 24 * 30,
		Agents: []AgentConfig{
			{
				Name:         "agent-0",
				StartBalance: 1_000_000,
				MeanDeposit:  60,
				StdevDeposit: 10,
				MeanWaitS:    3600,
				Good:         true,
				ProbMistake:  0.02,
			},
		},
		Stakeable: StakeableConfig{
			RefundWait:   60 * 60 * 24 * 1,
			TakeoverWait: 60 * 60 * 24 * 9,
			CostWeight:   1,
		},
		Market: MarketConfig{
			TotalBounty:         100_000,
			MinLengthS:          60 * 60 * 24 * 7,
			MinNumContributions: 100,
		},
		MetricsAddr: ":9090",
	}
}
