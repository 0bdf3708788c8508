package trainer

import (
	"math/rand"
	"testing"

	"collabsim/pkg/classifier"
	"collabsim/pkg/incentive"
	"collabsim/pkg/incentive/market"
	"collabsim/pkg/incentive/stakeable"
	"collabsim/pkg/ledger"
	"collabsim/pkg/registry"
	"collabsim/pkg/types"
)

func addr(b byte) types.Address {
	var a types.Address
	a[types.AddressLength-1] = b
	return a
}

// stubClassifier is a minimal Classifier double whose Predict answer is
// set directly by the test, so trainer.Refund/Report's model-agreement
// branches are exercised without a real model.
type stubClassifier struct {
	predictLabel string
	updates      int
}

func (s *stubClassifier) InitModel(classifier.Dataset, bool) error { return nil }
func (s *stubClassifier) ResetModel() error                        { return nil }
func (s *stubClassifier) Update(types.FeatureVector, string) error {
	s.updates++
	return nil
}
func (s *stubClassifier) Predict(types.FeatureVector) (string, error) {
	return s.predictLabel, nil
}
func (s *stubClassifier) Evaluate(classifier.Dataset) (float64, error) { return 0, nil }

var _ classifier.Classifier = (*stubClassifier)(nil)

func newStakeableTrainer(t *testing.T) (*Trainer, *ledger.Ledger, *stubClassifier, types.Address) {
	t.Helper()
	l := ledger.New()
	owner := addr(255)
	sender := addr(1)
	l.Initialize(sender, 1000)

	im, err := stakeable.New(stakeable.DefaultConfig(), 0, l)
	if err != nil {
		t.Fatalf("stakeable.New failed: %v", err)
	}
	cls := &stubClassifier{predictLabel: "cat"}
	tr := New(registry.New(), im, cls, l, owner)
	return tr, l, cls, sender
}

func TestAddDataChargesCostAndUpdatesClassifier(t *testing.T) {
	tr, l, cls, sender := newStakeableTrainer(t)
	x := types.NewDense(1, 2)

	if err := tr.AddData(sender, 1, x, "cat", 3600); err != nil {
		t.Fatalf("AddData failed: %v", err)
	}
	if cls.updates != 1 {
		t.Errorf("expected the classifier to be updated once, got %d", cls.updates)
	}

	senderBal, _ := l.Get(sender)
	if senderBal != 999 {
		t.Errorf("expected sender balance 999 after a cost-1 deposit, got %v", senderBal)
	}
	ownerBal, _ := l.Get(tr.owner)
	if ownerBal != 1 {
		t.Errorf("expected escrow to hold the 1-unit cost, got %v", ownerBal)
	}
}

func TestAddDataRejectsDuplicateBeforeTouchingTheMechanism(t *testing.T) {
	tr, _, _, sender := newStakeableTrainer(t)
	x := types.NewDense(1, 2)

	if err := tr.AddData(sender, 1, x, "cat", 3600); err != nil {
		t.Fatalf("first AddData failed: %v", err)
	}
	err := tr.AddData(sender, 1, x, "cat", 3600)
	re, ok := incentive.IsReject(err)
	if !ok || re.Kind != incentive.ErrDuplicateKey {
		t.Errorf("expected ErrDuplicateKey for a repeated (data, label, time, sender) tuple, got %v", err)
	}
}

func TestRefundPaysOutWhenModelAgrees(t *testing.T) {
	tr, l, cls, sender := newStakeableTrainer(t)
	x := types.NewDense(1, 2)
	if err := tr.AddData(sender, 1, x, "cat", 3600); err != nil {
		t.Fatalf("AddData failed: %v", err)
	}

	cls.predictLabel = "cat"
	amount, err := tr.Refund(sender, x, "cat", 3600, 3600+stakeable.DefaultRefundWait+1)
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if amount != 1 {
		t.Errorf("expected the full 1-unit deposit refunded, got %v", amount)
	}

	senderBal, _ := l.Get(sender)
	if senderBal != 1000 {
		t.Errorf("expected sender balance restored to 1000, got %v", senderBal)
	}
}

func TestRefundRejectsWhenModelDisagrees(t *testing.T) {
	tr, _, cls, sender := newStakeableTrainer(t)
	x := types.NewDense(1, 2)
	if err := tr.AddData(sender, 1, x, "cat", 3600); err != nil {
		t.Fatalf("AddData failed: %v", err)
	}

	cls.predictLabel = "dog"
	if _, err := tr.Refund(sender, x, "cat", 3600, 3600+stakeable.DefaultRefundWait+1); err == nil {
		t.Error("expected a reject when the current model disagrees with the stored label")
	}
}

func TestReportAwardsAReporterWithPriorGoodRefunds(t *testing.T) {
	l := ledger.New()
	owner := addr(255)
	author := addr(1)
	reporter := addr(2)
	l.Initialize(author, 1000)
	l.Initialize(reporter, 1000)

	im, err := stakeable.New(stakeable.DefaultConfig(), 0, l)
	if err != nil {
		t.Fatalf("stakeable.New failed: %v", err)
	}
	cls := &stubClassifier{predictLabel: "a"}
	tr := New(registry.New(), im, cls, l, owner)

	xA := types.NewDense(1)
	xB := types.NewDense(2)

	cls.predictLabel = "a"
	if err := tr.AddData(author, 1, xA, "a", 3600); err != nil {
		t.Fatalf("author AddData failed: %v", err)
	}
	cls.predictLabel = "b"
	if err := tr.AddData(reporter, 1, xB, "b", 7200); err != nil {
		t.Fatalf("reporter AddData failed: %v", err)
	}

	// Build up the reporter's credit with a successful refund on their own
	// contribution before they are allowed to report anyone else's.
	cls.predictLabel = "b"
	if _, err := tr.Refund(reporter, xB, "b", 7200, 7200+stakeable.DefaultRefundWait+1); err != nil {
		t.Fatalf("reporter's own refund failed: %v", err)
	}

	cls.predictLabel = "z" // disagrees with author's stored "a"
	amount, err := tr.Report(reporter, xA, "a", 3600, 3600+stakeable.DefaultRefundWait+1, author)
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if amount != 1 {
		t.Errorf("expected the reporter to be awarded the full 1-unit deposit, got %v", amount)
	}

	reporterBal, _ := l.Get(reporter)
	// reporter started at 1000, spent 1 on their own add_data, got it back
	// via refund (net 1000), then was awarded 1 more for the report.
	if reporterBal != 1001 {
		t.Errorf("expected reporter balance 1001 after the report award, got %v", reporterBal)
	}
}

// marketStubClassifier mirrors market package's own test double: Evaluate
// drains a fixed queue of accuracies regardless of the dataset passed in,
// so the reward loop's score arithmetic is exactly predictable.
type marketStubClassifier struct {
	evalQueue []float64
	evalIdx   int
}

func (s *marketStubClassifier) InitModel(classifier.Dataset, bool) error { return nil }
func (s *marketStubClassifier) ResetModel() error                       { return nil }
func (s *marketStubClassifier) Update(types.FeatureVector, string) error { return nil }
func (s *marketStubClassifier) Predict(types.FeatureVector) (string, error) {
	return "", nil
}
func (s *marketStubClassifier) Evaluate(classifier.Dataset) (float64, error) {
	v := s.evalQueue[s.evalIdx]
	s.evalIdx++
	return v, nil
}

var _ classifier.Classifier = (*marketStubClassifier)(nil)

// TestRefundSettlesPooledMarketBalanceDespitePerEntryStakeCap wires the
// Trainer to a real market.Market end to end (InitializeMarket through the
// reward loop to REWARD_COLLECT) rather than calling the mechanism
// directly. The Prediction Market pays refunds out of a pooled market
// balance that has no relation to the 1-unit stake any single registry
// entry was seeded with, so a payout far larger than that stake must still
// be settled in full through Trainer.Refund's registry -> predict -> im ->
// ledger -> registry.UpdateClaimableAmount order.
func TestRefundSettlesPooledMarketBalanceDespitePerEntryStakeCap(t *testing.T) {
	l := ledger.New()
	bountyProvider := addr(1)
	owner := addr(255)
	contributor := addr(2)
	l.Initialize(bountyProvider, 100)
	l.Initialize(owner, 0)
	l.Initialize(contributor, 1000)

	stub := &marketStubClassifier{evalQueue: []float64{0.5, 0.9, 0.9}}
	m := market.New(market.DefaultConfig(), owner, l, stub, rand.New(rand.NewSource(1)))
	reg := registry.New()
	tr := New(reg, m, stub, l, owner)

	portion0 := []market.Sample{{X: types.NewDense(0), Y: "p"}}
	portion1 := []market.Sample{{X: types.NewDense(1), Y: "p"}}
	portions := [][]market.Sample{portion0, portion1}
	h0, _ := market.HashPortion(portion0)
	h1, _ := market.HashPortion(portion1)

	revealIndex, err := m.InitializeMarket(bountyProvider, 100, []types.Hash{h0, h1}, 0, 0, 0)
	if err != nil {
		t.Fatalf("InitializeMarket failed: %v", err)
	}
	if err := m.RevealInitTestSet(portions[revealIndex]); err != nil {
		t.Fatalf("RevealInitTestSet failed: %v", err)
	}

	x := types.NewDense(1)
	if err := tr.AddData(contributor, 1, x, "a", 0); err != nil {
		t.Fatalf("AddData failed: %v", err)
	}

	if err := m.EndMarket(bountyProvider, 0); err != nil {
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

	pooled := m.MarketBalance(contributor)
	if pooled <= 1 {
		t.Fatalf("expected a pooled balance exceeding the entry's 1-unit stake, got %v", pooled)
	}

	senderBalBefore, _ := l.Get(contributor)
	amount, err := tr.Refund(contributor, x, "a", 0, 0)
	if err != nil {
		t.Fatalf("Refund should settle the full pooled balance, not reject on the registry's per-entry cap: %v", err)
	}
	if amount != pooled {
		t.Errorf("expected the full pooled balance %v refunded, got %v", pooled, amount)
	}

	senderBal, _ := l.Get(contributor)
	if senderBal != senderBalBefore+amount {
		t.Errorf("expected contributor balance %v after refund, got %v", senderBalBefore+amount, senderBal)
	}

	entry, ok := reg.GetData(x, "a", 0, contributor)
	if !ok {
		t.Fatal("expected the registry entry to still exist")
	}
	if entry.ClaimableAmount != 0 {
		t.Errorf("expected the entry's claimable amount floored at 0, got %v", entry.ClaimableAmount)
	}
	if !entry.HasClaimed(contributor) {
		t.Error("expected the contributor to be marked as having claimed")
	}
}

func TestPredictDistributesPaymentAndAnswers(t *testing.T) {
	tr, l, cls, sender := newStakeableTrainer(t)
	x := types.NewDense(1, 2)
	cls.predictLabel = "cat"
	if err := tr.AddData(sender, 1, x, "cat", 3600); err != nil {
		t.Fatalf("AddData failed: %v", err)
	}
	if _, err := tr.Refund(sender, x, "cat", 3600, 3600+stakeable.DefaultRefundWait+1); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	payer := addr(50)
	l.Initialize(payer, 100)
	cls.predictLabel = "dog"

	label, distribution, err := tr.Predict(payer, 10, x)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if label != "dog" {
		t.Errorf("expected the classifier's current prediction, got %q", label)
	}
	if distribution[sender] != 10 {
		t.Errorf("expected the sole good-refund holder to receive the entire payment, got %v", distribution[sender])
	}
}
