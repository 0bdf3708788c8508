package incentive

import (
	"collabsim/pkg/ledger"
	"collabsim/pkg/registry"
	"collabsim/pkg/types"
)

// Mechanism is the common surface the Collaborative Trainer routes to,
// satisfied by both the Stakeable IM (stakeable.Mechanism) and the
// Prediction Market IM (market.Market). Method shapes mirror spec.md §4.6
// exactly, including the lazy-prediction thunk for HandleReport.
type Mechanism interface {
	// HandleAddData validates and accounts for a new contribution, returning
	// the cost to charge the sender and whether the classifier should be
	// updated immediately.
	HandleAddData(sender types.Address, value ledger.Amount, data types.FeatureVector, label string, now float64) (cost ledger.Amount, updateModel bool, err error)

	// HandleRefund validates and computes a submitter's refund against an
	// already-fetched registry entry. prediction is the classifier's current
	// prediction on entry's data, computed eagerly by the Trainer.
	HandleRefund(submitter types.Address, entry *registry.StoredData, now float64, prediction string) (ledger.Amount, error)

	// HandleReport validates and computes a third party's report reward.
	// predict is a thunk so an expensive model evaluation is skipped when
	// the report is rejected on cheaper grounds first (spec.md §4.6).
	HandleReport(reporter types.Address, entry *registry.StoredData, now float64, predict func() (string, error)) (ledger.Amount, error)

	// DistributePaymentForPrediction divides a prediction-query payment
	// among participants per the mechanism's own rule (may be a no-op).
	DistributePaymentForPrediction(payer types.Address, value ledger.Amount) map[types.Address]ledger.Amount
}
