// Package stakeable implements the deposit/refund/report incentive
// mechanism (spec.md §4.3): a time-decayed deposit, a delayed refund gated
// by the current model prediction, and a third-party takeover after a
// longer window. Grounded on the teacher's chain/economics.TokenomicsEngine
// (a mutex-guarded engine with named economic parameters and big.Float
// intermediate math for rate*amount calculations) and on
// simulation/decai/simulation/contract/incentive/stakeable.py for the
// integer-truncation details spec.md §9 calls normative.
package stakeable

import (
	"math"
	"sync"

	"collabsim/pkg/incentive"
	"collabsim/pkg/ledger"
	"collabsim/pkg/registry"
	"collabsim/pkg/types"
)

// DefaultRefundWait is one day in seconds.
const DefaultRefundWait = 60 * 60 * 24 * 1

// DefaultTakeoverWait is nine days in seconds, chosen so it exceeds
// RefundWait + 7 days as required by Config.Validate.
const DefaultTakeoverWait = 60 * 60 * 24 * 9

// Config holds the Stakeable IM's tunable parameters.
type Config struct {
	RefundWait   float64
	TakeoverWait float64
	CostWeight   float64
}

// DefaultConfig returns the spec's default parameters.
func DefaultConfig() Config {
	return Config{
		RefundWait:   DefaultRefundWait,
		TakeoverWait: DefaultTakeoverWait,
		CostWeight:   1,
	}
}

// minRefundWindow is the minimum gap enforced between RefundWait and
// TakeoverWait (spec.md §4.3: "must be >= refund_wait + 7 days").
const minRefundWindow = 60 * 60 * 24 * 7

// Validate checks the structural constraint between RefundWait and
// TakeoverWait.
func (c Config) Validate() error {
	if c.TakeoverWait < c.RefundWait+minRefundWindow {
		return incentive.Fatal("takeover_wait must be at least refund_wait + 7 days")
	}
	return nil
}

// Mechanism is the Stakeable incentive mechanism.
type Mechanism struct {
	mu     sync.Mutex
	cfg    Config
	ledger *ledger.Ledger

	numGoodPerUser map[types.Address]int
	totalGood      int
	lastUpdateS    float64
}

var _ incentive.Mechanism = (*Mechanism)(nil)

// New creates a Stakeable mechanism against the given ledger, with
// lastUpdateS initialized to the clock's current time (so the very first
// add_data must come at least one whole second later, since nextCost
// truncates the elapsed time, matching the reference
// implementation's `_last_update_time_s = int(self._time())` at construction).
func New(cfg Config, now float64, l *ledger.Ledger) (*Mechanism, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Mechanism{
		cfg:            cfg,
		ledger:         l,
		numGoodPerUser: make(map[types.Address]int),
		lastUpdateS:    now,
	}, nil
}

// nextCost computes the deposit cost for a contribution submitted at `now`,
// following the normative integer-truncation rule (spec.md §9): both the
// elapsed time and the sqrt denominator are truncated to integers before
// division, and the final cost is floored with a floor of 1.
func (m *Mechanism) nextCost(now float64) (ledger.Amount, error) {
	dt := math.Trunc(now - m.lastUpdateS)
	if dt <= 0 {
		return 0, incentive.Reject(incentive.ErrTemporalGate, "not enough time has passed since the last update")
	}
	denom := math.Floor(math.Sqrt(dt))
	if denom < 1 {
		denom = 1
	}
	cost := math.Floor(m.cfg.CostWeight * 60 / denom)
	if cost < 1 {
		cost = 1
	}
	return ledger.Amount(cost), nil
}

// HandleAddData implements incentive.Mechanism.
func (m *Mechanism) HandleAddData(sender types.Address, value ledger.Amount, _ types.FeatureVector, _ string, now float64) (ledger.Amount, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cost, err := m.nextCost(now)
	if err != nil {
		return 0, false, err
	}
	if value < cost {
		return 0, false, incentive.Reject(incentive.ErrInsufficientStake, "payment below required deposit cost")
	}
	m.lastUpdateS = now
	return cost, true, nil
}

// HandleRefund implements incentive.Mechanism.
func (m *Mechanism) HandleRefund(submitter types.Address, entry *registry.StoredData, now float64, prediction string) (ledger.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ClaimableAmount <= 0 {
		return 0, incentive.Reject(incentive.ErrAlreadyClaimed, "no reward left to claim")
	}
	if entry.HasClaimed(submitter) {
		return 0, incentive.Reject(incentive.ErrAlreadyClaimed, "deposit already claimed by submitter")
	}
	if now-entry.Time <= m.cfg.RefundWait {
		return 0, incentive.Reject(incentive.ErrTemporalGate, "refund wait has not elapsed")
	}
	if prediction != entry.Classification {
		return 0, incentive.Reject(incentive.ErrModelDisagreement, "the model does not agree with this contribution")
	}

	m.numGoodPerUser[submitter]++
	m.totalGood++
	return entry.ClaimableAmount, nil
}

// HandleReport implements incentive.Mechanism.
func (m *Mechanism) HandleReport(reporter types.Address, entry *registry.StoredData, now float64, predict func() (string, error)) (ledger.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ClaimableAmount <= 0 {
		return 0, incentive.Reject(incentive.ErrAlreadyClaimed, "no reward left to claim")
	}

	if now-entry.Time >= m.cfg.TakeoverWait {
		// Stranded deposit: give the entire remainder to the reporter, no
		// correctness check required.
		return entry.ClaimableAmount, nil
	}

	if reporter.Equal(entry.Sender) {
		return 0, incentive.Reject(incentive.ErrAuthorshipMismatch, "cannot report your own deposit, ask for a refund instead")
	}
	if entry.HasClaimed(reporter) {
		return 0, incentive.Reject(incentive.ErrAlreadyClaimed, "deposit already claimed by reporter")
	}
	if now-entry.Time <= m.cfg.RefundWait {
		return 0, incentive.Reject(incentive.ErrTemporalGate, "refund wait has not elapsed")
	}

	prediction, err := predict()
	if err != nil {
		return 0, err
	}
	if prediction == entry.Classification {
		return 0, incentive.Reject(incentive.ErrModelDisagreement, "the model agrees with the contribution, nothing to report")
	}

	numGood := m.numGoodPerUser[reporter]
	if numGood <= 0 || m.totalGood <= 0 {
		return 0, incentive.Reject(incentive.ErrInsufficientStake, "no good data has been verified by this reporter")
	}

	award := ledger.Amount(float64(entry.InitialDeposit) * float64(numGood) / float64(m.totalGood))
	if award <= 0 || award > entry.ClaimableAmount {
		award = entry.ClaimableAmount
	}
	return award, nil
}

// DistributePaymentForPrediction implements incentive.Mechanism: a
// prediction-query payment is split among every address with at least one
// good refund credited, proportional to their share of total_good, floored
// like Solidity integer division would floor it.
func (m *Mechanism) DistributePaymentForPrediction(payer types.Address, value ledger.Amount) map[types.Address]ledger.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[types.Address]ledger.Amount)
	if value <= 0 || m.totalGood <= 0 {
		return out
	}
	for addr, numGood := range m.numGoodPerUser {
		share := math.Floor(float64(value) * float64(numGood) / float64(m.totalGood))
		if share <= 0 {
			continue
		}
		amt := ledger.Amount(share)
		if err := m.ledger.Send(payer, addr, amt); err != nil {
			continue
		}
		out[addr] = amt
	}
	return out
}

// NumGood returns how many good refunds have been credited to addr,
// exposed for tests and monitoring.
func (m *Mechanism) NumGood(addr types.Address) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numGoodPerUser[addr]
}

// TotalGood returns the total number of good refunds credited across all
// addresses.
func (m *Mechanism) TotalGood() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalGood
}
