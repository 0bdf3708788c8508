// Package driver implements the simulator driver (spec.md §4.7): a
// priority-queue event loop that drives a population of stochastic
// Agents against the Trainer's add_data/refund/report surface, advances
// virtual time, and handles the Prediction Market lifecycle end-to-end.
// Grounded on the teacher's chain/node.TxPool, a map-plus-ordered-slice
// structure generalized here into a proper container/heap priority queue
// ordered by (scheduled time, agent identity) as spec.md §5 requires.
package driver

import (
	"container/heap"
	"fmt"
	"log"
	"math/rand"
	"os"

	"collabsim/internal/config"
	"collabsim/internal/monitoring"
	"collabsim/internal/store"
	"collabsim/pkg/classifier"
	"collabsim/pkg/classifier/centroid"
	"collabsim/pkg/incentive"
	"collabsim/pkg/incentive/market"
	"collabsim/pkg/incentive/stakeable"
	"collabsim/pkg/ledger"
	"collabsim/pkg/registry"
	"collabsim/pkg/trainer"
	"collabsim/pkg/types"
)

// Agent is one simulated participant, carrying the stochastic profile of
// spec.md §4.7.
type Agent struct {
	Address types.Address
	cfg     config.AgentConfig
}

// openContribution tracks a submitted-but-not-fully-claimed StoredData so
// the driver knows to keep attempting refund/report against it.
type openContribution struct {
	Sender  types.Address
	X       types.FeatureVector
	Y       string
	Time    float64
	Settled bool
}

// event is one scheduled agent wakeup, ordered by (At, agent identity) as
// spec.md §5 requires.
type event struct {
	At      float64
	AgentIx int
	Addr    types.Address
}

type eventQueue []event

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].At != q[j].At {
		return q[i].At < q[j].At
	}
	return q[i].Addr.Less(q[j].Addr)
}
func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *eventQueue) Push(x any)   { *q = append(*q, x.(event)) }
func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// AccuracyPoint is one sample of the model's accuracy over virtual time.
type AccuracyPoint struct {
	T        float64 `json:"t"`
	Accuracy float64 `json:"accuracy"`
}

// BalancePoint is one sample of a single address's ledger balance.
type BalancePoint struct {
	T float64       `json:"t"`
	A string        `json:"a"`
	B ledger.Amount `json:"b"`
}

// AgentSummary is the artifact's static description of one agent.
type AgentSummary struct {
	Address      string        `json:"address"`
	StartBalance ledger.Amount `json:"startBalance"`
	MeanDeposit  float64       `json:"meanDeposit"`
	StdevDeposit float64       `json:"stdevDeposit"`
	MeanWaitS    float64       `json:"meanWaitS"`
	Good         bool          `json:"good"`
}

// RunArtifact is the persisted run artifact described in spec.md §6.
type RunArtifact struct {
	Agents               []AgentSummary  `json:"agents"`
	BaselineAccuracy     *float64        `json:"baselineAccuracy"`
	InitTrainDataPortion float64         `json:"initTrainDataPortion"`
	Accuracies           []AccuracyPoint `json:"accuracies"`
	Balances             []BalancePoint  `json:"balances"`
}

// Driver owns every mutable shared component for one simulation run.
type Driver struct {
	cfg        *config.RunConfig
	rng        *rand.Rand
	clock      *ledger.Clock
	ledger     *ledger.Ledger
	registry   *registry.Registry
	classifier classifier.Classifier
	im         incentive.Mechanism
	marketIM   *market.Market // non-nil only when cfg.IncentiveMechanism == "market"
	trainer    *trainer.Trainer
	owner      types.Address
	operator   types.Address

	agents      []Agent
	openContrib []*openContribution
	classes     []string

	streamX []types.FeatureVector
	streamY []string
	cursor  int

	testSet classifier.Dataset

	lastAccuracy float64
	logger       *log.Logger
	mon          *monitoring.Server

	persist     *store.Store
	runID       string
	snapshotSeq int

	artifact RunArtifact
}

// Run executes one complete simulation: wiring, agent population, the
// event loop, and (for the Prediction Market) the full end-of-run
// lifecycle, returning the persisted run artifact. mon may be nil, in
// which case no metrics are published. persist/runID may be nil/empty,
// in which case no snapshot history is written to disk.
func Run(cfg *config.RunConfig, initTrain, streamTrain, testData classifier.Dataset, mon *monitoring.Server, persist *store.Store, runID string) (*RunArtifact, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("driver: invalid config: %w", err)
	}

	d := &Driver{
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		clock:      ledger.NewClock(),
		ledger:     ledger.New(),
		registry:   registry.New(),
		classifier: newClassifier(cfg.Classifier),
		streamX:    streamTrain.X,
		streamY:    streamTrain.Y,
		testSet:    testData,
		logger:     log.New(os.Stderr, "[driver] ", log.LstdFlags),
		mon:        mon,
		persist:    persist,
		runID:      runID,
	}
	d.classes = distinctLabels(initTrain.Y, streamTrain.Y)

	d.owner = types.AddressFromSeed(fmt.Sprintf("run-%d-trainer-owner", cfg.Seed))
	d.operator = types.AddressFromSeed(fmt.Sprintf("run-%d-operator", cfg.Seed))
	if err := d.ledger.Initialize(d.owner, 0); err != nil {
		return nil, err
	}
	if err := d.ledger.Initialize(d.operator, cfg.Market.TotalBounty*2+1); err != nil {
		return nil, err
	}

	if err := d.classifier.InitModel(initTrain, true); err != nil {
		return nil, fmt.Errorf("driver: init model: %w", err)
	}
	var baseline *float64
	if len(testData.X) > 0 {
		acc, err := d.classifier.Evaluate(testData)
		if err != nil {
			return nil, fmt.Errorf("driver: baseline evaluate: %w", err)
		}
		baseline = &acc
		d.lastAccuracy = acc
	}

	switch cfg.IncentiveMechanism {
	case "stakeable":
		scfg := stakeable.Config{
			RefundWait:   cfg.Stakeable.RefundWait,
			TakeoverWait: cfg.Stakeable.TakeoverWait,
			CostWeight:   cfg.Stakeable.CostWeight,
		}
		m, err := stakeable.New(scfg, 0, d.ledger)
		if err != nil {
			return nil, err
		}
		d.im = m
	case "market":
		mcfg := market.Config{
			AllowGreaterDeposit:         cfg.Market.AllowGreaterDeposit,
			GroupContributions:          cfg.Market.GroupContributions,
			ResetModelDuringRewardPhase: cfg.Market.ResetModelDuringRewardPhase,
			TakeoverWait:                cfg.Market.TakeoverWait,
		}
		m := market.New(mcfg, d.owner, d.ledger, d.classifier, d.rng)
		d.im = m
		d.marketIM = m
	default:
		return nil, fmt.Errorf("driver: unknown incentive mechanism %q", cfg.IncentiveMechanism)
	}
	d.trainer = trainer.New(d.registry, d.im, d.classifier, d.ledger, d.owner)

	if err := d.seedAgents(); err != nil {
		return nil, err
	}

	total := len(initTrain.X) + len(streamTrain.X)
	if total > 0 {
		d.artifact.InitTrainDataPortion = float64(len(initTrain.X)) / float64(total)
	}
	d.artifact.BaselineAccuracy = baseline
	for _, a := range d.agents {
		d.artifact.Agents = append(d.artifact.Agents, AgentSummary{
			Address:      a.Address.Hex(),
			StartBalance: a.cfg.StartBalance,
			MeanDeposit:  a.cfg.MeanDeposit,
			StdevDeposit: a.cfg.StdevDeposit,
			MeanWaitS:    a.cfg.MeanWaitS,
			Good:         a.cfg.Good,
		})
	}

	if d.marketIM != nil {
		if err := d.runMarket(); err != nil {
			return nil, err
		}
	} else {
		if err := d.runStakeable(); err != nil {
			return nil, err
		}
	}

	for addr, bal := range d.ledger.Snapshot() {
		d.artifact.Balances = append(d.artifact.Balances, BalancePoint{T: d.clock.Now(), A: addr.Hex(), B: bal})
	}

	if d.persist != nil {
		if err := d.persist.PutArtifact(d.runID, &d.artifact); err != nil {
			d.logger.Printf("persist artifact: %v", err)
		}
	}
	return &d.artifact, nil
}

func newClassifier(kind string) classifier.Classifier {
	switch kind {
	case "centroid", "":
		return centroid.New()
	default:
		return centroid.New()
	}
}

func distinctLabels(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, set := range sets {
		for _, y := range set {
			if _, ok := seen[y]; !ok {
				seen[y] = struct{}{}
				out = append(out, y)
			}
		}
	}
	return out
}

func (d *Driver) flip(y string) string {
	if len(d.classes) < 2 {
		return y
	}
	for _, c := range d.classes {
		if c != y {
			return c
		}
	}
	return y
}

func (d *Driver) seedAgents() error {
	for i, ac := range d.cfg.Agents {
		addr := types.AddressFromSeed(fmt.Sprintf("run-%d-agent-%s", d.cfg.Seed, ac.Name))
		if err := d.ledger.Initialize(addr, ac.StartBalance); err != nil {
			return fmt.Errorf("driver: seed agent %s: %w", ac.Name, err)
		}
		d.agents = append(d.agents, Agent{Address: addr, cfg: ac})
		_ = i
	}
	return nil
}

// pickSample draws the next shared training sample, advancing the global
// cursor regardless of which agent consumes it (spec.md §4.7 models one
// shared stream of unlabeled-to-the-contract data).
func (d *Driver) pickSample() (types.FeatureVector, string, bool) {
	if d.cursor >= len(d.streamX) {
		return types.FeatureVector{}, "", false
	}
	x, y := d.streamX[d.cursor], d.streamY[d.cursor]
	d.cursor++
	return x, y, true
}

// depositFor draws a normally-distributed deposit for agent, clamped to
// balance and to a minimum of zero.
func (d *Driver) depositFor(a Agent, balance ledger.Amount) ledger.Amount {
	v := d.rng.NormFloat64()*a.cfg.StdevDeposit + a.cfg.MeanDeposit
	if v < 0 {
		v = 0
	}
	amt := ledger.Amount(v)
	if amt > balance {
		amt = balance
	}
	return amt
}

func (d *Driver) nextWait(a Agent) float64 {
	if a.cfg.MeanWaitS <= 0 {
		return 1
	}
	return d.rng.ExpFloat64() * a.cfg.MeanWaitS
}

// attemptAddData runs one agent's contribution step (spec.md §4.7 step 2).
func (d *Driver) attemptAddData(a Agent, now float64) {
	balance, err := d.ledger.Get(a.Address)
	if err != nil || balance <= 0 {
		return
	}
	x, y, ok := d.pickSample()
	if !ok {
		return
	}

	label := y
	if !a.cfg.Good {
		label = d.flip(label)
	}
	if d.rng.Float64() < a.cfg.ProbMistake {
		label = d.flip(label)
	}

	if a.cfg.Good {
		if d.rng.Float64() >= d.lastAccuracy+0.15 {
			return
		}
	}

	deposit := d.depositFor(a, balance)
	if err := d.trainer.AddData(a.Address, deposit, x, label, now); err != nil {
		d.logReject("add_data", a.Address, err)
		return
	}
	d.openContrib = append(d.openContrib, &openContribution{Sender: a.Address, X: x, Y: label, Time: now})

	if len(d.testSet.X) > 0 {
		acc, err := d.classifier.Evaluate(d.testSet)
		if err == nil {
			d.lastAccuracy = acc
			d.artifact.Accuracies = append(d.artifact.Accuracies, AccuracyPoint{T: now, Accuracy: acc})
		}
	}
}

// sweepStakeable attempts refund/report against every open contribution
// not yet settled (spec.md §4.7 step 3), using the acting agent as the
// "any address" reporter.
func (d *Driver) sweepStakeable(actor Agent, now float64, refundWait, takeoverWait float64) {
	for _, oc := range d.openContrib {
		if oc.Settled {
			continue
		}
		entry, ok := d.registry.GetData(oc.X, oc.Y, oc.Time, oc.Sender)
		if !ok || entry.ClaimableAmount <= 0 {
			oc.Settled = true
			continue
		}
		if now-oc.Time > refundWait && !entry.HasClaimed(oc.Sender) {
			if _, err := d.trainer.Refund(oc.Sender, oc.X, oc.Y, oc.Time, now); err != nil {
				d.logReject("refund", oc.Sender, err)
			}
		}
		if entry.ClaimableAmount > 0 && now-oc.Time >= takeoverWait {
			if _, err := d.trainer.Report(actor.Address, oc.X, oc.Y, oc.Time, now, oc.Sender); err != nil {
				d.logReject("report", actor.Address, err)
			}
		}
		if entry.ClaimableAmount <= 0 {
			oc.Settled = true
		}
	}
}

func (d *Driver) logReject(op string, addr types.Address, err error) {
	if re, ok := incentive.IsReject(err); ok {
		d.logger.Printf("%s rejected for %s: %s", op, addr, re)
		return
	}
	d.logger.Printf("%s error for %s: %v", op, addr, err)
}

// publish pushes a monitoring snapshot if a Server was supplied and, when
// persistence is enabled, appends the same snapshot to the run's history
// under the next sequence number for runID. Either sink may be nil/disabled
// independently.
func (d *Driver) publish(now float64) {
	if d.mon == nil && d.persist == nil {
		return
	}
	snap := monitoring.Snapshot{
		Now:           now,
		Balances:      d.ledger.Snapshot(),
		ModelAccuracy: d.lastAccuracy,
		RegistrySize:  d.registry.Len(),
	}
	if d.marketIM != nil {
		snap.MarketPhase = d.marketIM.Phase().String()
		snap.RemainingBountyRounds = float64(d.marketIM.RemainingBountyRounds())
	}
	if d.mon != nil {
		d.mon.Publish(snap)
	}
	if d.persist != nil {
		if err := d.persist.PutSnapshot(d.runID, d.snapshotSeq, snap); err != nil {
			d.logger.Printf("persist snapshot: %v", err)
		}
		d.snapshotSeq++
	}
}

func (d *Driver) openContribsRemain() bool {
	for _, oc := range d.openContrib {
		if !oc.Settled {
			return true
		}
	}
	return false
}

// runStakeable drives the event loop to completion for the Stakeable IM:
// agents contribute, then attempt refund/report, until no training data
// remains and every contribution has settled or the run duration elapses.
func (d *Driver) runStakeable() error {
	refundWait := d.cfg.Stakeable.RefundWait
	takeoverWait := d.cfg.Stakeable.TakeoverWait

	q := &eventQueue{}
	heap.Init(q)
	for i, a := range d.agents {
		heap.Push(q, event{At: d.nextWait(a), AgentIx: i, Addr: a.Address})
	}

	for q.Len() > 0 {
		ev := heap.Pop(q).(event)
		if ev.At > d.cfg.DurationS {
			break
		}
		d.clock.Set(ev.At)
		a := d.agents[ev.AgentIx]

		d.attemptAddData(a, ev.At)
		d.sweepStakeable(a, ev.At, refundWait, takeoverWait)
		d.publish(ev.At)

		if d.cursor >= len(d.streamX) && !d.openContribsRemain() {
			continue
		}
		heap.Push(q, event{At: ev.At + d.nextWait(a), AgentIx: ev.AgentIx, Addr: a.Address})
	}
	return nil
}

// runMarket drives the full Prediction Market lifecycle: participation,
// commit-reveal of the remaining test-set portions, the bounded-round
// reward loop, then a refund attempt for every recorded contribution (the
// first refund per contributor collects its whole market balance).
func (d *Driver) runMarket() error {
	hashes, portions := d.buildTestPortions()
	revealIndex, err := d.marketIM.InitializeMarket(d.operator, d.cfg.Market.TotalBounty, hashes, d.cfg.Market.MinLengthS, d.cfg.Market.MinNumContributions, 0)
	if err != nil {
		return fmt.Errorf("driver: initialize_market: %w", err)
	}
	if err := d.marketIM.RevealInitTestSet(portions[revealIndex]); err != nil {
		return fmt.Errorf("driver: reveal_init_test_set: %w", err)
	}

	q := &eventQueue{}
	heap.Init(q)
	for i, a := range d.agents {
		heap.Push(q, event{At: d.nextWait(a), AgentIx: i, Addr: a.Address})
	}

	var now float64
	for q.Len() > 0 {
		ev := heap.Pop(q).(event)
		now = ev.At
		if now > d.cfg.DurationS {
			break
		}
		d.clock.Set(now)
		a := d.agents[ev.AgentIx]
		d.attemptAddData(a, now)
		d.publish(now)

		if d.marketEndCriteriaMet(now) {
			heap.Push(q, event{At: now, AgentIx: ev.AgentIx, Addr: a.Address})
			break
		}
		heap.Push(q, event{At: now + d.nextWait(a), AgentIx: ev.AgentIx, Addr: a.Address})
	}

	if err := d.marketIM.EndMarket(d.operator, now); err != nil {
		return fmt.Errorf("driver: end_market: %w", err)
	}
	for i, portion := range portions {
		if i == revealIndex {
			continue
		}
		if err := d.marketIM.VerifyNextTestSet(portion); err != nil {
			return fmt.Errorf("driver: verify_next_test_set: %w", err)
		}
	}

	for {
		done, err := d.marketIM.ProcessContribution(now)
		if err != nil {
			return fmt.Errorf("driver: process_contribution: %w", err)
		}
		if len(d.testSet.X) > 0 {
			if acc, evalErr := d.classifier.Evaluate(d.testSet); evalErr == nil {
				d.lastAccuracy = acc
				d.artifact.Accuracies = append(d.artifact.Accuracies, AccuracyPoint{T: now, Accuracy: acc})
			}
		}
		d.publish(now)
		now++
		if done {
			break
		}
	}

	for _, oc := range d.openContrib {
		if _, err := d.trainer.Refund(oc.Sender, oc.X, oc.Y, oc.Time, now); err != nil {
			d.logReject("refund", oc.Sender, err)
		}
	}
	return nil
}

func (d *Driver) marketEndCriteriaMet(now float64) bool {
	return d.marketIM.NumContributions() >= d.cfg.Market.MinNumContributions || now >= d.cfg.Market.MinLengthS
}

// buildTestPortions splits the held-out test set into per-sample
// portions, each independently committed and revealed, and returns their
// commit hashes alongside the portions themselves.
func (d *Driver) buildTestPortions() ([]types.Hash, [][]market.Sample) {
	if len(d.testSet.X) < 2 {
		pad := []market.Sample{{}, {}}
		return []types.Hash{{}, {1}}, [][]market.Sample{{pad[0]}, {pad[1]}}
	}
	portions := make([][]market.Sample, len(d.testSet.X))
	hashes := make([]types.Hash, len(d.testSet.X))
	for i := range d.testSet.X {
		portions[i] = []market.Sample{{X: d.testSet.X[i], Y: d.testSet.Y[i]}}
		h, err := market.HashPortion(portions[i])
		if err != nil {
			d.logger.Printf("hash portion %d: %v", i, err)
		}
		hashes[i] = h
	}
	return hashes, portions
}
