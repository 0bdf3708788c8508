// Package market implements the Prediction Market incentive mechanism
// (spec.md §4.4): a single-run, multi-phase commit-reveal market that
// elects the worst-scoring contributor for bounded-round elimination.
// Grounded on the teacher's chain/governance.GovernanceSystem (a
// mutex-guarded phase/status state machine with strict per-state
// transition checks) for the phase enum and gating, and on
// chain/consensus.ValidatorSet.GetProposer for the commit-reveal flavored
// index selection. The reward-computation loop itself has no teacher
// analogue; it follows spec.md §4.4 literally, since the reference
// Python implementation (simulation/decai/simulation/contract/incentive/
// prediction_market.py) is an unfinished stub with TODOs in place of it.
package market

import (
	"crypto/sha256"
	"encoding/json"
	"math"
	"math/rand"
	"sync"

	"collabsim/pkg/classifier"
	"collabsim/pkg/incentive"
	"collabsim/pkg/ledger"
	"collabsim/pkg/registry"
	"collabsim/pkg/types"
)

// Phase enumerates the PM state machine (spec.md §4.4).
type Phase int

const (
	PhaseNone Phase = iota
	PhaseInitialization
	PhaseParticipation
	PhaseRevealTestSet
	PhaseRewardRestart
	PhaseReward
	PhaseRewardCollect
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseInitialization:
		return "initialization"
	case PhaseParticipation:
		return "participation"
	case PhaseRevealTestSet:
		return "reveal_test_set"
	case PhaseRewardRestart:
		return "reward_restart"
	case PhaseReward:
		return "reward"
	case PhaseRewardCollect:
		return "reward_collect"
	default:
		return "unknown"
	}
}

// DefaultTakeoverWait is nine days in seconds, reused from the Stakeable
// IM's default (spec.md §4.4's collection section names "takeover_wait"
// without redefining it, implying the same constant).
const DefaultTakeoverWait = 60 * 60 * 24 * 9

// MinStake is the minimum per-contribution stake when AllowGreaterDeposit
// is false.
const MinStake = ledger.Amount(1)

// Config holds the PM's normative configuration flags (spec.md §4.4).
type Config struct {
	// AllowGreaterDeposit: if true, a contribution's stake is the sent
	// value; else it is pinned to MinStake.
	AllowGreaterDeposit bool
	// GroupContributions: if true, score/elimination is tracked per
	// contributor (summed across their contributions); else per
	// individual contribution.
	GroupContributions bool
	// ResetModelDuringRewardPhase: if true, the classifier is reset to
	// its initial snapshot at the start of every reward-loop pass; else
	// it trains once and each contribution's post-training accuracy is
	// captured only on its first pass.
	ResetModelDuringRewardPhase bool
	// TakeoverWait gates stale-balance reclamation in REWARD_COLLECT.
	TakeoverWait float64
}

// DefaultConfig returns a Config with TakeoverWait set to the spec's
// reused default and every mode flag at its conservative default.
func DefaultConfig() Config {
	return Config{TakeoverWait: DefaultTakeoverWait}
}

// Sample is one (features, label) pair, the unit the commit-reveal
// hashing and the reward loop both operate on.
type Sample struct {
	X types.FeatureVector
	Y string
}

// testRecord is the canonical, stable JSON shape hashed for commit-reveal
// verification (spec.md §4.4, §9: "the reference uses the textual repr
// of a list of (features, label) pairs ... re-implementations must pick
// a canonical form and document it"). Using FeatureVector.CanonicalKey
// reuses the same value-equal canonicalization the registry keys use.
type testRecord struct {
	Features string `json:"features"`
	Label    string `json:"label"`
}

// HashPortion computes the commit-reveal hash of a test-set portion,
// exposed so callers (the simulator driver) can compute commitments
// before a market exists to verify them against.
func HashPortion(portion []Sample) (types.Hash, error) {
	return hashPortion(portion)
}

func hashPortion(portion []Sample) (types.Hash, error) {
	records := make([]testRecord, len(portion))
	for i, s := range portion {
		records[i] = testRecord{Features: s.X.CanonicalKey(), Label: s.Y}
	}
	b, err := json.Marshal(records)
	if err != nil {
		return types.Hash{}, err
	}
	return sha256.Sum256(b), nil
}

// contribution is a single (data, label) submission living only inside a
// running market (spec.md §3).
type contribution struct {
	Contributor types.Address
	X           types.FeatureVector
	Y           string
	Balance     ledger.Amount
	Score       *float64
	Accuracy    *float64
}

// Market is the Prediction Market incentive mechanism.
type Market struct {
	mu         sync.Mutex
	cfg        Config
	ledger     *ledger.Ledger
	classifier classifier.Classifier
	rng        *rand.Rand
	owner      types.Address // recipient of the bounty transfer at initialization

	phase                 Phase
	bountyProvider        types.Address
	totalBounty           ledger.Amount
	remainingBountyRounds ledger.Amount
	minNumContributions   int
	marketStart           float64
	marketEarliestEnd     float64

	testHashes      []types.Hash
	testRevealIndex int
	nextVerifyIndex int
	initPortion     []Sample
	testSet         classifier.Dataset

	contributions  []*contribution
	marketBalances map[types.Address]ledger.Amount

	// Reward-loop working state, live only between REWARD_RESTART and
	// REWARD_COLLECT.
	scores            map[types.Address]float64
	iterIndex         int
	prevAcc           float64
	originalAcc       float64
	haveOriginalAcc   bool
	minScore          float64
	worstContributor  types.Address
	worstContribution *contribution
	rewardPhaseEnd    float64
}

var _ incentive.Mechanism = (*Market)(nil)

// New creates an uninitialized Market. owner receives the bounty transfer
// at InitializeMarket time; rng drives test_reveal_index selection and
// must be seeded by the caller for run determinism (spec.md §5).
func New(cfg Config, owner types.Address, l *ledger.Ledger, c classifier.Classifier, rng *rand.Rand) *Market {
	return &Market{
		cfg:            cfg,
		owner:          owner,
		ledger:         l,
		classifier:     c,
		rng:            rng,
		marketBalances: make(map[types.Address]ledger.Amount),
	}
}

// Phase returns the market's current phase, exposed for the driver and
// monitoring.
func (m *Market) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// InitializeMarket opens the market: null -> INITIALIZATION.
func (m *Market) InitializeMarket(sender types.Address, value ledger.Amount, testHashes []types.Hash, minLengthS float64, minNumContributions int, now float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseNone {
		return 0, incentive.Fatal("market already initialized")
	}
	if len(testHashes) < 2 {
		return 0, incentive.Reject(incentive.ErrCommitmentMismatch, "need at least two test-set hash commitments")
	}

	m.testHashes = append([]types.Hash(nil), testHashes...)
	m.testRevealIndex = m.rng.Intn(len(m.testHashes))
	m.nextVerifyIndex = 0
	m.bountyProvider = sender
	m.totalBounty = value
	m.remainingBountyRounds = value
	m.minNumContributions = minNumContributions
	m.marketStart = now
	m.marketEarliestEnd = now + minLengthS
	m.contributions = nil
	m.marketBalances = make(map[types.Address]ledger.Amount)

	if err := m.ledger.Send(sender, m.owner, value); err != nil {
		return 0, err
	}

	m.phase = PhaseInitialization
	return m.testRevealIndex, nil
}

// AddTestSetHashes appends more committed hashes, re-randomizing
// test_reveal_index per spec.md §9's normative resolution ("re-randomize
// test_reveal_index whenever test_hashes changes, while still in
// INITIALIZATION").
func (m *Market) AddTestSetHashes(sender types.Address, more []types.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseInitialization {
		return incentive.Reject(incentive.ErrPhaseViolation, "market is not accepting new hash commitments")
	}
	if !sender.Equal(m.bountyProvider) {
		return incentive.Reject(incentive.ErrAuthorshipMismatch, "only the bounty provider may add test-set hashes")
	}
	m.testHashes = append(m.testHashes, more...)
	m.testRevealIndex = m.rng.Intn(len(m.testHashes))
	m.nextVerifyIndex = 0
	return nil
}

// RevealInitTestSet verifies the commit-reveal challenge and advances to
// PARTICIPATION. The revealed portion is held and folded into the working
// test set once end_market begins accumulating it (see EndMarket) — it
// would otherwise be hash-verified but never used for anything.
func (m *Market) RevealInitTestSet(portion []Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseInitialization {
		return incentive.Reject(incentive.ErrPhaseViolation, "market is not awaiting the initial reveal")
	}
	h, err := hashPortion(portion)
	if err != nil {
		return err
	}
	if !h.Equal(m.testHashes[m.testRevealIndex]) {
		return incentive.Reject(incentive.ErrCommitmentMismatch, "revealed test-set portion does not match the committed hash")
	}
	m.initPortion = portion
	m.phase = PhaseParticipation
	return nil
}

// HandleAddData implements incentive.Mechanism: PARTICIPATION -> PARTICIPATION.
func (m *Market) HandleAddData(sender types.Address, value ledger.Amount, data types.FeatureVector, label string, _ float64) (ledger.Amount, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseParticipation {
		return 0, false, incentive.Reject(incentive.ErrPhaseViolation, "market is not accepting contributions")
	}
	if value < MinStake {
		return 0, false, incentive.Reject(incentive.ErrInsufficientStake, "stake below the market minimum")
	}
	stake := MinStake
	if m.cfg.AllowGreaterDeposit {
		stake = value
	}
	m.contributions = append(m.contributions, &contribution{Contributor: sender, X: data, Y: label, Balance: stake})
	m.marketBalances[sender] += stake
	return stake, false, nil
}

// EndMarket closes participation: PARTICIPATION -> REVEAL_TEST_SET.
func (m *Market) EndMarket(sender types.Address, now float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseParticipation {
		return incentive.Reject(incentive.ErrPhaseViolation, "market is not in its participation phase")
	}
	if !sender.Equal(m.bountyProvider) {
		return incentive.Reject(incentive.ErrAuthorshipMismatch, "only the bounty provider may end the market")
	}
	if len(m.contributions) < m.minNumContributions && now < m.marketEarliestEnd {
		return incentive.Reject(incentive.ErrTemporalGate, "can't end the market yet")
	}

	m.testSet = classifier.Dataset{}
	for _, s := range m.initPortion {
		m.testSet.X = append(m.testSet.X, s.X)
		m.testSet.Y = append(m.testSet.Y, s.Y)
	}
	m.phase = PhaseRevealTestSet
	return nil
}

// advanceVerifyIndex skips over the already-revealed test_reveal_index.
func (m *Market) advanceVerifyIndex() {
	if m.nextVerifyIndex == m.testRevealIndex {
		m.nextVerifyIndex++
	}
}

// VerifyNextTestSet checks one more committed portion and appends it to
// the working test set. Once every non-reveal index has been consumed:
// REVEAL_TEST_SET -> REWARD_RESTART.
func (m *Market) VerifyNextTestSet(portion []Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseRevealTestSet {
		return incentive.Reject(incentive.ErrPhaseViolation, "market is not revealing its test set")
	}
	m.advanceVerifyIndex()
	if m.nextVerifyIndex >= len(m.testHashes) {
		return incentive.Reject(incentive.ErrExhausted, "no more test-set portions to verify")
	}
	h, err := hashPortion(portion)
	if err != nil {
		return err
	}
	if !h.Equal(m.testHashes[m.nextVerifyIndex]) {
		return incentive.Reject(incentive.ErrCommitmentMismatch, "revealed test-set portion does not match the committed hash")
	}
	for _, s := range portion {
		m.testSet.X = append(m.testSet.X, s.X)
		m.testSet.Y = append(m.testSet.Y, s.Y)
	}
	m.nextVerifyIndex++
	m.advanceVerifyIndex()

	if m.nextVerifyIndex >= len(m.testHashes) {
		m.phase = PhaseRewardRestart
		m.haveOriginalAcc = false
	}
	return nil
}

// enterRewardRestart runs the "on entry to REWARD_RESTART" setup
// (spec.md §4.4) and transitions to REWARD.
func (m *Market) enterRewardRestart() error {
	m.iterIndex = 0
	m.minScore = math.Inf(1)
	m.worstContributor = types.ZeroAddress
	m.worstContribution = nil
	if m.cfg.GroupContributions {
		m.scores = make(map[types.Address]float64)
	}

	if m.cfg.ResetModelDuringRewardPhase {
		if err := m.classifier.ResetModel(); err != nil {
			return err
		}
	}
	if !m.haveOriginalAcc {
		acc, err := m.classifier.Evaluate(m.testSet)
		if err != nil {
			return err
		}
		m.originalAcc = acc
		m.haveOriginalAcc = true
	}
	m.prevAcc = m.originalAcc

	m.phase = PhaseReward
	return nil
}

// rewardStep runs one step of process_contribution while in REWARD.
func (m *Market) rewardStep(now float64) (bool, error) {
	c := m.contributions[m.iterIndex]
	if err := m.classifier.Update(c.X, c.Y); err != nil {
		return false, err
	}
	if !m.cfg.ResetModelDuringRewardPhase && c.Accuracy == nil {
		acc, err := m.classifier.Evaluate(m.testSet)
		if err != nil {
			return false, err
		}
		c.Accuracy = &acc
	}
	m.iterIndex++

	flush := m.iterIndex == len(m.contributions)
	if m.cfg.GroupContributions {
		if !flush && m.contributions[m.iterIndex].Contributor != c.Contributor {
			flush = true
		}
	} else {
		// Per individual contribution: every step is its own group
		// (spec.md §4.4's description of group_contributions=false as
		// "score tracked per individual contribution" requires every
		// contribution to gain a score this pass, not only the last
		// one the loop visits).
		flush = true
	}

	if flush {
		var acc float64
		var err error
		if m.cfg.ResetModelDuringRewardPhase {
			acc, err = m.classifier.Evaluate(m.testSet)
			if err != nil {
				return false, err
			}
		} else {
			acc = *c.Accuracy
		}
		delta := acc - m.prevAcc

		var newScore float64
		if m.cfg.GroupContributions {
			m.scores[c.Contributor] += delta
			newScore = m.scores[c.Contributor]
		} else {
			s := delta
			c.Score = &s
			newScore = delta
		}

		if newScore < m.minScore {
			m.minScore = newScore
			m.worstContributor = c.Contributor
			m.worstContribution = c
		} else if m.cfg.GroupContributions && m.worstContributor == c.Contributor && newScore > m.minScore {
			m.rescanMinScore()
		}
		m.prevAcc = acc
	}

	if m.iterIndex == len(m.contributions) {
		return m.endOfPass(now)
	}
	return false, nil
}

// rescanMinScore recomputes the tracked worst contributor after its score
// rose above the current minimum (spec.md §4.4: "if the tracked worst
// contributor ... score just rose, rescan scores to find the new minimum").
func (m *Market) rescanMinScore() {
	m.minScore = math.Inf(1)
	for addr, s := range m.scores {
		if s < m.minScore {
			m.minScore = s
			m.worstContributor = addr
		}
	}
}

// endOfPass runs the "end of a pass" logic (spec.md §4.4), returning
// whether the reward loop has finished (phase is now REWARD_COLLECT).
func (m *Market) endOfPass(now float64) (bool, error) {
	if m.minScore >= 0 {
		remaining := float64(m.remainingBountyRounds)
		if m.cfg.GroupContributions {
			for addr, s := range m.scores {
				m.marketBalances[addr] += ledger.Amount(s * remaining)
			}
		} else {
			for _, c := range m.contributions {
				if c.Score != nil {
					m.marketBalances[c.Contributor] += ledger.Amount(*c.Score * remaining)
				}
			}
		}
		m.remainingBountyRounds = 0
		m.contributions = nil
		m.phase = PhaseRewardCollect
		m.rewardPhaseEnd = now
		return true, nil
	}

	var availablePool float64
	if m.cfg.GroupContributions {
		availablePool = float64(m.marketBalances[m.worstContributor])
	} else {
		availablePool = float64(m.worstContribution.Balance)
	}
	numRounds := availablePool / -m.minScore
	if numRounds > float64(m.remainingBountyRounds) {
		numRounds = float64(m.remainingBountyRounds)
	}
	if numRounds < 0 {
		numRounds = 0
	}
	m.remainingBountyRounds -= ledger.Amount(numRounds)

	if m.remainingBountyRounds <= 0 {
		m.remainingBountyRounds = 0
		if m.cfg.GroupContributions {
			for addr, s := range m.scores {
				m.marketBalances[addr] += ledger.Amount(s * numRounds)
			}
		} else {
			for _, c := range m.contributions {
				if c.Score != nil {
					m.marketBalances[c.Contributor] = ledger.Amount(*c.Score * numRounds)
				}
			}
		}
		m.contributions = nil
		m.phase = PhaseRewardCollect
		m.rewardPhaseEnd = now
		return true, nil
	}

	if m.cfg.GroupContributions {
		for addr, s := range m.scores {
			m.marketBalances[addr] += ledger.Amount(s * numRounds)
		}
		counts := make(map[types.Address]int)
		for _, c := range m.contributions {
			counts[c.Contributor]++
		}
		survivors := m.contributions[:0:0]
		for _, c := range m.contributions {
			if float64(m.marketBalances[c.Contributor]) >= float64(counts[c.Contributor]) {
				survivors = append(survivors, c)
			}
		}
		m.contributions = survivors
	} else {
		survivors := m.contributions[:0:0]
		for _, c := range m.contributions {
			if c.Score != nil {
				c.Balance += ledger.Amount(*c.Score * numRounds)
			}
			if c.Balance < 1 {
				m.marketBalances[c.Contributor] += c.Balance
				continue
			}
			survivors = append(survivors, c)
		}
		m.contributions = survivors
	}

	if len(m.contributions) == 0 {
		m.phase = PhaseRewardCollect
		m.rewardPhaseEnd = now
		return true, nil
	}
	m.phase = PhaseRewardRestart
	return false, nil
}

// ProcessContribution runs one step of the reward loop. It may both enter
// REWARD_RESTART's setup and execute the loop's first step in the same
// call (spec.md §4.4's transition table lists "process_contribution
// (start): REWARD_RESTART -> REWARD" as a single op). done reports
// whether the market has reached REWARD_COLLECT.
func (m *Market) ProcessContribution(now float64) (done bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseRewardCollect:
		return false, incentive.Reject(incentive.ErrExhausted, "market has already ended")
	case PhaseRewardRestart:
		if err := m.enterRewardRestart(); err != nil {
			return false, err
		}
		if len(m.contributions) == 0 {
			m.phase = PhaseRewardCollect
			m.rewardPhaseEnd = now
			return true, nil
		}
		return m.rewardStep(now)
	case PhaseReward:
		return m.rewardStep(now)
	default:
		return false, incentive.Reject(incentive.ErrPhaseViolation, "market is not in its reward loop")
	}
}

// HandleRefund implements incentive.Mechanism: REWARD_COLLECT -> REWARD_COLLECT.
// entry and prediction are unused — the PM pays out of market_balances,
// not the Data Registry's per-entry claimable_amount.
func (m *Market) HandleRefund(submitter types.Address, _ *registry.StoredData, _ float64, _ string) (ledger.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseRewardCollect {
		return 0, incentive.Reject(incentive.ErrPhaseViolation, "market has not finished its reward loop")
	}
	amt := m.marketBalances[submitter]
	m.marketBalances[submitter] = 0
	return amt, nil
}

// HandleReport implements incentive.Mechanism: reclaims a stale balance
// once takeover_wait has elapsed since the reward phase ended.
func (m *Market) HandleReport(reporter types.Address, entry *registry.StoredData, now float64, _ func() (string, error)) (ledger.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseRewardCollect {
		return 0, incentive.Reject(incentive.ErrPhaseViolation, "market has not finished its reward loop")
	}
	if now-m.rewardPhaseEnd < m.cfg.TakeoverWait {
		return 0, incentive.Reject(incentive.ErrTemporalGate, "takeover wait has not elapsed")
	}
	amt := m.marketBalances[entry.Sender]
	m.marketBalances[entry.Sender] = 0
	m.marketBalances[reporter] = 0
	return amt, nil
}

// DistributePaymentForPrediction implements incentive.Mechanism: the PM
// ignores prediction-query payments entirely (spec.md §4.4).
func (m *Market) DistributePaymentForPrediction(types.Address, ledger.Amount) map[types.Address]ledger.Amount {
	return map[types.Address]ledger.Amount{}
}

// MarketBalance returns a participant's current market balance, exposed
// for tests and the driver's refund-collection sweep.
func (m *Market) MarketBalance(addr types.Address) ledger.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marketBalances[addr]
}

// RemainingBountyRounds exposes the live round counter for monitoring and
// invariant checks (spec.md §8 invariant 7).
func (m *Market) RemainingBountyRounds() ledger.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remainingBountyRounds
}

// TestRevealIndex exposes the commit-reveal challenge index chosen at
// InitializeMarket, for scenario S6-style tests.
func (m *Market) TestRevealIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.testRevealIndex
}

// NumContributions reports how many contributions are still live in the
// market, exposed for the driver's end-of-market bookkeeping.
func (m *Market) NumContributions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contributions)
}
