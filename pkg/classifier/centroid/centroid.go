// Package centroid is a reference Classifier implementation: an online
// nearest-centroid learner. It exists only so the incentive mechanisms and
// simulator driver have something runnable to exercise in tests; spec.md
// §4.5/§6 treats classifiers as pluggable external collaborators and does
// not mandate any particular model. Grounded on the teacher's
// chain/consensus.ValidatorSet — a small, slice/map-backed struct with no
// internal locking, since the core's single-threaded model (spec.md §5)
// means its callers (the Trainer, the Prediction Market and the driver)
// never touch a Classifier concurrently.
package centroid

import (
	"errors"
	"math"

	"collabsim/pkg/classifier"
	"collabsim/pkg/types"
)

// centroidState accumulates a running mean, indexed by feature position
// (dense or sparse indices share the same representation internally).
type centroidState struct {
	sum   map[int]float64
	count int
}

func newCentroidState() *centroidState {
	return &centroidState{sum: make(map[int]float64)}
}

func (c *centroidState) add(x types.FeatureVector) {
	for idx, v := range toMap(x) {
		c.sum[idx] += v
	}
	c.count++
}

func (c *centroidState) mean() map[int]float64 {
	mean := make(map[int]float64, len(c.sum))
	if c.count == 0 {
		return mean
	}
	for idx, v := range c.sum {
		mean[idx] = v / float64(c.count)
	}
	return mean
}

func toMap(x types.FeatureVector) map[int]float64 {
	if x.IsSparse() {
		return x.Sparse
	}
	m := make(map[int]float64, len(x.Dense))
	for i, v := range x.Dense {
		m[i] = v
	}
	return m
}

func sqDistance(a, b map[int]float64) float64 {
	seen := make(map[int]struct{}, len(a)+len(b))
	var total float64
	for idx, av := range a {
		bv := b[idx]
		d := av - bv
		total += d * d
		seen[idx] = struct{}{}
	}
	for idx, bv := range b {
		if _, ok := seen[idx]; ok {
			continue
		}
		total += bv * bv
	}
	return total
}

// Classifier is the nearest-centroid online learner.
type Classifier struct {
	centroids map[string]*centroidState
	snapshot  map[string]*centroidState
	initiated bool
}

// New creates an untrained Classifier.
func New() *Classifier {
	return &Classifier{centroids: make(map[string]*centroidState)}
}

// ErrAlreadyInitialized is returned by InitModel on a second call.
var ErrAlreadyInitialized = errors.New("centroid: model already initialized")

// ErrNoSnapshot is returned by ResetModel when InitModel was not called
// with save=true.
var ErrNoSnapshot = errors.New("centroid: no snapshot to reset to")

// InitModel trains on the initial dataset, optionally retaining a snapshot
// for later ResetModel calls.
func (c *Classifier) InitModel(data classifier.Dataset, save bool) error {
	if c.initiated {
		return ErrAlreadyInitialized
	}
	for i, x := range data.X {
		c.addSample(x, data.Y[i])
	}
	c.initiated = true
	if save {
		c.snapshot = cloneCentroids(c.centroids)
	}
	return nil
}

// ResetModel restores the state captured at InitModel(save=true) time.
func (c *Classifier) ResetModel() error {
	if c.snapshot == nil {
		return ErrNoSnapshot
	}
	c.centroids = cloneCentroids(c.snapshot)
	return nil
}

// Update performs one online learning step.
func (c *Classifier) Update(x types.FeatureVector, y string) error {
	c.addSample(x, y)
	return nil
}

func (c *Classifier) addSample(x types.FeatureVector, y string) {
	state, ok := c.centroids[y]
	if !ok {
		state = newCentroidState()
		c.centroids[y] = state
	}
	state.add(x)
}

// Predict returns the label whose centroid is nearest to x. With no
// trained centroids it returns the empty string.
func (c *Classifier) Predict(x types.FeatureVector) (string, error) {
	xm := toMap(x)
	best := ""
	bestDist := math.Inf(1)
	for label, state := range c.centroids {
		if state.count == 0 {
			continue
		}
		d := sqDistance(xm, state.mean())
		if d < bestDist {
			bestDist = d
			best = label
		}
	}
	return best, nil
}

// Evaluate returns accuracy over data: the fraction of samples for which
// Predict matches the true label.
func (c *Classifier) Evaluate(data classifier.Dataset) (float64, error) {
	if len(data.X) == 0 {
		return 0, nil
	}
	correct := 0
	for i, x := range data.X {
		pred, _ := c.Predict(x)
		if pred == data.Y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(data.X)), nil
}

func cloneCentroids(in map[string]*centroidState) map[string]*centroidState {
	out := make(map[string]*centroidState, len(in))
	for label, state := range in {
		clone := &centroidState{sum: make(map[int]float64, len(state.sum)), count: state.count}
		for idx, v := range state.sum {
			clone.sum[idx] = v
		}
		out[label] = clone
	}
	return out
}
