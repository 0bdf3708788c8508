package market

import (
	"math/rand"
	"testing"

	"collabsim/pkg/classifier"
	"collabsim/pkg/ledger"
	"collabsim/pkg/types"
)

func addr(b byte) types.Address {
	var a types.Address
	a[types.AddressLength-1] = b
	return a
}

// stubClassifier is a deterministic Classifier test double: Evaluate
// returns successive values from a fixed queue regardless of the dataset
// passed in, so the reward loop's accuracy-delta arithmetic is exactly
// predictable without depending on a real model.
type stubClassifier struct {
	evalQueue []float64
	evalIdx   int
}

func (s *stubClassifier) InitModel(classifier.Dataset, bool) error { return nil }
func (s *stubClassifier) ResetModel() error                        { return nil }
func (s *stubClassifier) Update(types.FeatureVector, string) error  { return nil }
func (s *stubClassifier) Predict(types.FeatureVector) (string, error) {
	return "", nil
}
func (s *stubClassifier) Evaluate(classifier.Dataset) (float64, error) {
	v := s.evalQueue[s.evalIdx]
	s.evalIdx++
	return v, nil
}

var _ classifier.Classifier = (*stubClassifier)(nil)

func TestInitializeMarketRequiresTwoHashes(t *testing.T) {
	m := New(DefaultConfig(), addr(0), ledger.New(), &stubClassifier{}, rand.New(rand.NewSource(1)))
	if _, err := m.InitializeMarket(addr(1), 10, []types.Hash{{1}}, 0, 0, 0); err == nil {
		t.Error("expected a reject with fewer than two test-set hash commitments")
	}
}

func TestInitializeMarketTwiceIsFatal(t *testing.T) {
	l := ledger.New()
	l.Initialize(addr(1), 100)
	l.Initialize(addr(0), 0)
	m := New(DefaultConfig(), addr(0), l, &stubClassifier{}, rand.New(rand.NewSource(1)))
	hashes := []types.Hash{{1}, {2}}
	if _, err := m.InitializeMarket(addr(1), 10, hashes, 0, 0, 0); err != nil {
		t.Fatalf("first InitializeMarket failed: %v", err)
	}
	if _, err := m.InitializeMarket(addr(1), 10, hashes, 0, 0, 0); err == nil {
		t.Error("expected re-initialization to be fatal")
	}
}

func TestRevealInitTestSetRejectsMismatchedPortion(t *testing.T) {
	l := ledger.New()
	l.Initialize(addr(1), 100)
	l.Initialize(addr(0), 0)
	m := New(DefaultConfig(), addr(0), l, &stubClassifier{}, rand.New(rand.NewSource(1)))

	real := []Sample{{X: types.NewDense(1), Y: "p"}}
	wrong := []Sample{{X: types.NewDense(2), Y: "p"}}
	realHash, _ := HashPortion(real)
	_, err := m.InitializeMarket(addr(1), 10, []types.Hash{realHash, {9}}, 0, 0, 0)
	if err != nil {
		t.Fatalf("InitializeMarket failed: %v", err)
	}
	if err := m.RevealInitTestSet(wrong); err == nil {
		t.Error("expected a commitment-mismatch reject for the wrong portion")
	}
}

// TestRewardLoopNonGroupedTerminatesOnZeroRemainingRounds drives a full
// PM lifecycle end to end with a two-contribution, non-grouped market
// whose bounty is small enough to be exhausted before minScore recovers
// to >= 0, exercising the elimination/payout branch of endOfPass where
// remaining_bounty_rounds hits exactly zero.
func TestRewardLoopNonGroupedTerminatesOnZeroRemainingRounds(t *testing.T) {
	cfg := Config{AllowGreaterDeposit: false, GroupContributions: false, ResetModelDuringRewardPhase: false}
	l := ledger.New()
	bountyProvider := addr(1)
	owner := addr(0)
	contributor0 := addr(2)
	contributor1 := addr(3)
	l.Initialize(bountyProvider, 100)
	l.Initialize(owner, 0)

	stub := &stubClassifier{evalQueue: []float64{0.5, 0.75, 0.625}}
	m := New(cfg, owner, l, stub, rand.New(rand.NewSource(1)))

	portion0 := []Sample{{X: types.NewDense(0), Y: "p"}}
	portion1 := []Sample{{X: types.NewDense(1), Y: "p"}}
	portions := [][]Sample{portion0, portion1}
	h0, _ := HashPortion(portion0)
	h1, _ := HashPortion(portion1)
	hashes := []types.Hash{h0, h1}

	revealIndex, err := m.InitializeMarket(bountyProvider, 5, hashes, 0, 0, 0)
	if err != nil {
		t.Fatalf("InitializeMarket failed: %v", err)
	}
	if err := m.RevealInitTestSet(portions[revealIndex]); err != nil {
		t.Fatalf("RevealInitTestSet failed: %v", err)
	}

	if _, _, err := m.HandleAddData(contributor0, 1, types.NewDense(10), "a", 0); err != nil {
		t.Fatalf("contributor0 add_data failed: %v", err)
	}
	if _, _, err := m.HandleAddData(contributor1, 1, types.NewDense(11), "b", 0); err != nil {
		t.Fatalf("contributor1 add_data failed: %v", err)
	}

	if err := m.EndMarket(bountyProvider, 0); err != nil {
		t.Fatalf("EndMarket failed: %v", err)
	}

	otherIndex := 1 - revealIndex
	if err := m.VerifyNextTestSet(portions[otherIndex]); err != nil {
		t.Fatalf("VerifyNextTestSet failed: %v", err)
	}
	if got := m.Phase(); got != PhaseRewardRestart {
		t.Fatalf("expected REWARD_RESTART after verifying every portion, got %s", got)
	}

	var done bool
	for i := 0; !done; i++ {
		if i > 10 {
			t.Fatal("reward loop did not terminate")
		}
		done, err = m.ProcessContribution(0)
		if err != nil {
			t.Fatalf("ProcessContribution failed: %v", err)
		}
	}

	if got := m.Phase(); got != PhaseRewardCollect {
		t.Errorf("expected REWARD_COLLECT at the end of the loop, got %s", got)
	}
	if got := m.RemainingBountyRounds(); got != 0 {
		t.Errorf("expected remaining_bounty_rounds to hit exactly 0, got %v", got)
	}

	// delta0 = 0.75-0.5 = 0.25, delta1 = 0.625-0.75 = -0.125; minScore =
	// -0.125 (contributor1). available_pool = contributor1's stake (1);
	// num_rounds = 1/0.125 = 8, clamped to remaining_bounty_rounds (5).
	// The accuracies are binary fractions so every delta and product is
	// exact in float64.
	if got := m.MarketBalance(contributor0); got != ledger.Amount(0.25*5) {
		t.Errorf("contributor0 balance = %v, want %v", got, ledger.Amount(0.25*5))
	}
	if got := m.MarketBalance(contributor1); got != ledger.Amount(-0.125*5) {
		t.Errorf("contributor1 balance = %v, want %v", got, ledger.Amount(-0.125*5))
	}

	amt, err := m.HandleRefund(contributor0, nil, 0, "")
	if err != nil {
		t.Fatalf("HandleRefund failed: %v", err)
	}
	if amt != ledger.Amount(1.25) {
		t.Errorf("expected refund of 1.25, got %v", amt)
	}
	if got := m.MarketBalance(contributor0); got != 0 {
		t.Errorf("expected balance to be zeroed after refund, got %v", got)
	}
}

func TestProcessContributionRejectsWrongPhase(t *testing.T) {
	m := New(DefaultConfig(), addr(0), ledger.New(), &stubClassifier{}, rand.New(rand.NewSource(1)))
	if _, err := m.ProcessContribution(0); err == nil {
		t.Error("expected a phase-violation reject before the market has ever initialized")
	}
}

func TestRefundAfterRewardCollectDrainsMarketBalance(t *testing.T) {
	cfg := DefaultConfig()
	l := ledger.New()
	l.Initialize(addr(1), 100)
	l.Initialize(addr(0), 0)
	stub := &stubClassifier{evalQueue: []float64{0.5, 0.6, 0.6}}
	m := New(cfg, addr(0), l, stub, rand.New(rand.NewSource(1)))

	portion0 := []Sample{{X: types.NewDense(0), Y: "p"}}
	portion1 := []Sample{{X: types.NewDense(1), Y: "p"}}
	portions := [][]Sample{portion0, portion1}
	h0, _ := HashPortion(portion0)
	h1, _ := HashPortion(portion1)
	revealIndex, _ := m.InitializeMarket(addr(1), 5, []types.Hash{h0, h1}, 0, 0, 0)
	if err := m.RevealInitTestSet(portions[revealIndex]); err != nil {
		t.Fatalf("RevealInitTestSet failed: %v", err)
	}
	if _, _, err := m.HandleAddData(addr(2), 1, types.NewDense(1), "a", 0); err != nil {
		t.Fatalf("add_data failed: %v", err)
	}
	if err := m.EndMarket(addr(1), 0); err != nil {
		t.Fatalf("EndMarket failed: %v", err)
	}
	if err := m.VerifyNextTestSet(portions[1-revealIndex]); err != nil {
		t.Fatalf("VerifyNextTestSet failed: %v", err)
	}
	for {
		done, err := m.ProcessContribution(0)
		if err != nil {
			t.Fatalf("ProcessContribution failed: %v", err)
		}
		if done {
			break
		}
	}

	bal := m.MarketBalance(addr(2))
	amt, err := m.HandleRefund(addr(2), nil, 0, "")
	if err != nil {
		t.Fatalf("HandleRefund failed: %v", err)
	}
	if amt != bal {
		t.Errorf("expected refund to equal the full market balance %v, got %v", bal, amt)
	}
	if got := m.MarketBalance(addr(2)); got != 0 {
		t.Errorf("expected market balance to be drained to 0, got %v", got)
	}
}
