// Package classifier defines the online-learner contract consumed by the
// incentive mechanisms (spec.md §4.5). It is an external collaborator: any
// implementation satisfying this interface is pluggable. Grounded on the
// teacher's chain/consensus.ValidatorSet, a small struct exposing a
// narrow, capability-style method set rather than a god-object.
package classifier

import "collabsim/pkg/types"

// Dataset is a parallel slice of samples and labels, the shape every loader
// and classifier method shares.
type Dataset struct {
	X []types.FeatureVector
	Y []string
}

// Classifier is the minimum contract an online learner must satisfy to be
// used by an incentive mechanism.
type Classifier interface {
	// InitModel trains on the initial dataset. It fails if called twice.
	// If save, a snapshot is retained so ResetModel can later restore it.
	InitModel(data Dataset, save bool) error

	// ResetModel restores the classifier to the snapshot taken at
	// InitModel time. It fails if no snapshot was saved.
	ResetModel() error

	// Update performs a single online-learning step.
	Update(x types.FeatureVector, y string) error

	// Evaluate returns accuracy in [0,1] against a held-out test set.
	Evaluate(data Dataset) (float64, error)

	// Predict returns the label for a single sample.
	Predict(x types.FeatureVector) (string, error)
}
