package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FeatureVector is an opaque sample representation. The core never inspects
// feature values beyond hashing/equality (per the spec's design note); only
// classifiers interpret them. Exactly one of Dense or Sparse is populated.
type FeatureVector struct {
	Dense  []float64
	Sparse map[int]float64
}

// NewDense builds a dense feature vector.
func NewDense(values ...float64) FeatureVector {
	v := make([]float64, len(values))
	copy(v, values)
	return FeatureVector{Dense: v}
}

// NewSparse builds a sparse, index-valued feature vector.
func NewSparse(values map[int]float64) FeatureVector {
	v := make(map[int]float64, len(values))
	for k, val := range values {
		v[k] = val
	}
	return FeatureVector{Sparse: v}
}

// IsSparse reports whether this vector uses the sparse representation.
func (f FeatureVector) IsSparse() bool { return f.Sparse != nil }

// CanonicalKey returns a value-equal textual form suitable for use as (part
// of) a Data Registry key. Sparse vectors are written in ascending index
// order, so their key does not depend on map iteration order; dense vectors
// keep their element order. A dense and a sparse vector never share a key,
// even when they hold the same values.
func (f FeatureVector) CanonicalKey() string {
	var b strings.Builder
	if f.IsSparse() {
		indices := make([]int, 0, len(f.Sparse))
		for idx := range f.Sparse {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		b.WriteString("sparse:")
		for _, idx := range indices {
			fmt.Fprintf(&b, "%d=%s;", idx, formatFloat(f.Sparse[idx]))
		}
		return b.String()
	}
	b.WriteString("dense:")
	for _, v := range f.Dense {
		b.WriteString(formatFloat(v))
		b.WriteByte(';')
	}
	return b.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
