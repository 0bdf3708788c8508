// Package trainer implements the Collaborative Trainer (spec.md §4.6): the
// glue that routes add_data/refund/report/predict to the Data Registry, an
// incentive.Mechanism, a Classifier, and the Ledger, in the exact
// sub-operation order spec.md §4.6 specifies (that order differs between
// refund and report — do not "clean it up" into a single shared sequence).
// Grounded on the teacher's chain/node.Node, which plays the same "routes a
// submitted transaction through validation, pool insertion, and state
// update" role for a block proposal.
package trainer

import (
	"fmt"
	"log"
	"os"

	"collabsim/pkg/classifier"
	"collabsim/pkg/incentive"
	"collabsim/pkg/ledger"
	"collabsim/pkg/registry"
	"collabsim/pkg/types"
)

// Trainer wires the four shared components behind the contract-like
// surface the simulator driver drives.
type Trainer struct {
	registry   *registry.Registry
	im         incentive.Mechanism
	classifier classifier.Classifier
	ledger     *ledger.Ledger
	owner      types.Address
	logger     *log.Logger
}

// New creates a Trainer. owner is the escrow address that collects
// add_data costs and funds refund/report payouts — when the incentive
// mechanism is a Prediction Market, owner must be the same address passed
// as that market's owner, since the bounty it holds is what refund/report
// draw from.
func New(r *registry.Registry, im incentive.Mechanism, c classifier.Classifier, l *ledger.Ledger, owner types.Address) *Trainer {
	return &Trainer{
		registry:   r,
		im:         im,
		classifier: c,
		ledger:     l,
		owner:      owner,
		logger:     log.New(os.Stderr, "[trainer] ", log.LstdFlags),
	}
}

// AddData implements spec.md §4.6's add_data: IM -> Registry -> Classifier
// -> Ledger, with the ledger transfer last so an earlier reject never
// charges the sender. The registry's Exists pre-check runs before the IM
// is invoked so a duplicate-key reject never mutates IM state (spec.md §5's
// atomicity requirement, resolved via pre-check rather than snapshot).
func (t *Trainer) AddData(sender types.Address, value ledger.Amount, data types.FeatureVector, label string, now float64) error {
	if t.registry.Exists(data, label, now, sender) {
		return incentive.Reject(incentive.ErrDuplicateKey, "a contribution with this key already exists")
	}

	cost, updateModel, err := t.im.HandleAddData(sender, value, data, label, now)
	if err != nil {
		return err
	}
	if err := t.registry.HandleAddData(sender, cost, data, label, now); err != nil {
		return fmt.Errorf("trainer: add_data registry insert: %w", err)
	}
	if updateModel {
		if err := t.classifier.Update(data, label); err != nil {
			return fmt.Errorf("trainer: add_data classifier update: %w", err)
		}
	}
	if err := t.ledger.Send(sender, t.owner, cost); err != nil {
		return fmt.Errorf("trainer: add_data ledger send: %w", err)
	}
	return nil
}

// Refund implements spec.md §4.6's refund: Registry -> classifier.predict
// -> IM -> Ledger -> Registry.UpdateClaimableAmount.
func (t *Trainer) Refund(submitter types.Address, data types.FeatureVector, label string, submitTime, now float64) (ledger.Amount, error) {
	_, _, entry, err := t.registry.HandleRefund(submitter, data, label, submitTime)
	if err != nil {
		return 0, err
	}

	prediction, err := t.classifier.Predict(data)
	if err != nil {
		return 0, fmt.Errorf("trainer: refund predict: %w", err)
	}

	amount, err := t.im.HandleRefund(submitter, entry, now, prediction)
	if err != nil {
		return 0, err
	}
	if err := t.ledger.Send(t.owner, submitter, amount); err != nil {
		return 0, fmt.Errorf("trainer: refund ledger send: %w", err)
	}
	t.registry.UpdateClaimableAmount(submitter, entry, amount)
	return amount, nil
}

// Report implements spec.md §4.6's report: Registry -> lazy-predict thunk
// -> IM -> Registry.UpdateClaimableAmount -> Ledger. The prediction is a
// thunk so handle_report can reject on cheaper grounds (authorship,
// already-claimed, temporal gate) before paying for a model evaluation.
func (t *Trainer) Report(reporter types.Address, data types.FeatureVector, label string, submitTime, now float64, originalAuthor types.Address) (ledger.Amount, error) {
	_, entry, err := t.registry.HandleReport(reporter, data, label, submitTime, originalAuthor)
	if err != nil {
		return 0, err
	}

	predict := func() (string, error) { return t.classifier.Predict(data) }

	amount, err := t.im.HandleReport(reporter, entry, now, predict)
	if err != nil {
		return 0, err
	}
	t.registry.UpdateClaimableAmount(reporter, entry, amount)
	if err := t.ledger.Send(t.owner, reporter, amount); err != nil {
		return 0, fmt.Errorf("trainer: report ledger send: %w", err)
	}
	return amount, nil
}

// Predict implements spec.md §4.6's predict: distribute the query payment
// per the IM's own rule, then answer with the classifier's current
// prediction.
func (t *Trainer) Predict(sender types.Address, value ledger.Amount, data types.FeatureVector) (string, map[types.Address]ledger.Amount, error) {
	distribution := t.im.DistributePaymentForPrediction(sender, value)
	label, err := t.classifier.Predict(data)
	if err != nil {
		return "", nil, fmt.Errorf("trainer: predict: %w", err)
	}
	return label, distribution, nil
}
