package driver

import (
	"math/rand"
	"testing"

	"collabsim/internal/config"
	"collabsim/pkg/dataset"
)

func baseAgents() []config.AgentConfig {
	return []config.AgentConfig{
		{Name: "a0", StartBalance: 10_000, MeanDeposit: 60, StdevDeposit: 5, MeanWaitS: 3600, Good: true, ProbMistake: 0.01},
		{Name: "a1", StartBalance: 10_000, MeanDeposit: 60, StdevDeposit: 5, MeanWaitS: 3600, Good: false, ProbMistake: 0.01},
	}
}

func TestRunStakeableProducesArtifact(t *testing.T) {
	cfg := &config.RunConfig{
		Seed:               1,
		IncentiveMechanism: "stakeable",
		Classifier:         "centroid",
		DurationS:          60 * 60 * 24 * 3,
		Agents:             baseAgents(),
		Stakeable: config.StakeableConfig{
			RefundWait:   60 * 60 * 24,
			TakeoverWait: 60 * 60 * 24 * 9,
			CostWeight:   1,
		},
		Market: config.MarketConfig{TotalBounty: 100, MinNumContributions: 1},
	}

	rng := rand.New(rand.NewSource(1))
	initTrain, streamTrain := dataset.Blobs(rng, 4, 50, 0)
	_, testData := dataset.Blobs(rng, 4, 0, 20)

	artifact, err := Run(cfg, initTrain, streamTrain, testData, nil, nil, "test-stakeable")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(artifact.Agents) != 2 {
		t.Errorf("expected 2 agent summaries, got %d", len(artifact.Agents))
	}
	if artifact.BaselineAccuracy == nil {
		t.Error("expected a baseline accuracy to be recorded against a non-empty test set")
	}
	if len(artifact.Balances) == 0 {
		t.Error("expected a final balance snapshot for every ledger-initialized address")
	}
	if artifact.InitTrainDataPortion <= 0 || artifact.InitTrainDataPortion > 1 {
		t.Errorf("expected InitTrainDataPortion in (0,1], got %v", artifact.InitTrainDataPortion)
	}
}

func TestRunMarketProducesArtifact(t *testing.T) {
	cfg := &config.RunConfig{
		Seed:               2,
		IncentiveMechanism: "market",
		Classifier:         "centroid",
		DurationS:          60 * 60 * 24,
		Agents:             baseAgents(),
		Market: config.MarketConfig{
			TotalBounty:         1000,
			MinLengthS:          0,
			MinNumContributions: 1,
			TakeoverWait:        60 * 60 * 24 * 9,
		},
	}

	rng := rand.New(rand.NewSource(2))
	initTrain, streamTrain := dataset.Blobs(rng, 4, 50, 0)
	_, testData := dataset.Blobs(rng, 4, 0, 20)

	artifact, err := Run(cfg, initTrain, streamTrain, testData, nil, nil, "test-market")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(artifact.Agents) != 2 {
		t.Errorf("expected 2 agent summaries, got %d", len(artifact.Agents))
	}
	if len(artifact.Balances) == 0 {
		t.Error("expected a final balance snapshot for every ledger-initialized address")
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := &config.RunConfig{IncentiveMechanism: "stakeable"} // no agents, zero duration
	rng := rand.New(rand.NewSource(1))
	initTrain, streamTrain := dataset.Blobs(rng, 4, 1, 0)
	_, testData := dataset.Blobs(rng, 4, 0, 1)
	if _, err := Run(cfg, initTrain, streamTrain, testData, nil, nil, "test-invalid"); err == nil {
		t.Error("expected Run to reject an invalid config before touching datasets")
	}
}
