// Package dataset ships the two in-memory synthetic data sources
// spec.md §1 allows as stand-ins for the non-normative real loaders
// (IMDB, fitness, news, Titanic, offensive, tic-tac-toe): the value of
// this repository is the incentive layer, not the loaders, so these
// exist only to give the driver and its tests runnable data without an
// external dependency.
package dataset

import (
	"math/rand"

	"collabsim/pkg/classifier"
	"collabsim/pkg/types"
)

// Blobs generates a two-class dataset of Gaussian clusters around two
// well-separated centroids in dim dimensions, split into a training
// portion and a held-out test portion.
func Blobs(rng *rand.Rand, dim, nTrain, nTest int) (train, test classifier.Dataset) {
	centerA := make([]float64, dim)
	centerB := make([]float64, dim)
	for i := range centerB {
		centerB[i] = 4.0
	}

	gen := func(n int) classifier.Dataset {
		ds := classifier.Dataset{X: make([]types.FeatureVector, n), Y: make([]string, n)}
		for i := 0; i < n; i++ {
			center, label := centerA, "a"
			if i%2 == 1 {
				center, label = centerB, "b"
			}
			v := make([]float64, dim)
			for j := range v {
				v[j] = center[j] + rng.NormFloat64()
			}
			ds.X[i] = types.NewDense(v...)
			ds.Y[i] = label
		}
		return ds
	}

	return gen(nTrain), gen(nTest)
}

// XOR generates the classic two-dimensional XOR pattern with Gaussian
// jitter, a dataset no linear centroid boundary separates cleanly,
// useful for exercising the Prediction Market's elimination loop
// against contributors of uneven quality.
func XOR(rng *rand.Rand, nTrain, nTest int) (train, test classifier.Dataset) {
	quadrant := func(i int) ([2]float64, string) {
		switch i % 4 {
		case 0:
			return [2]float64{0, 0}, "lo"
		case 1:
			return [2]float64{4, 4}, "lo"
		case 2:
			return [2]float64{0, 4}, "hi"
		default:
			return [2]float64{4, 0}, "hi"
		}
	}

	gen := func(n int) classifier.Dataset {
		ds := classifier.Dataset{X: make([]types.FeatureVector, n), Y: make([]string, n)}
		for i := 0; i < n; i++ {
			center, label := quadrant(i)
			v := []float64{center[0] + rng.NormFloat64()*0.5, center[1] + rng.NormFloat64()*0.5}
			ds.X[i] = types.NewDense(v...)
			ds.Y[i] = label
		}
		return ds
	}

	return gen(nTrain), gen(nTest)
}
