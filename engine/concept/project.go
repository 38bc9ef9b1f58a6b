// Package concept discovers cross-lingual semantic clusters: embeddings
// are projected to a low dimension, density-clustered, and summarized into
// concepts that later entries can be assigned to by nearest centroid.
package concept

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// ProjectionDims is the target dimensionality for density clustering.
// Density estimates are meaningless in the raw embedding space; ten
// dimensions keeps neighborhoods intact while making radii workable.
const ProjectionDims = 10

// projectionSeed fixes the random projection so repeated runs over the
// same entries produce byte-identical concepts.
const projectionSeed = 0x1e71c09

// Projector is a seeded Gaussian random projection from the embedding
// space down to ProjectionDims.
type Projector struct {
	r       *mat.Dense // inDims x outDims
	in, out int
}

// NewProjector builds the deterministic projection matrix for inDims.
func NewProjector(inDims, outDims int) *Projector {
	if outDims <= 0 {
		outDims = ProjectionDims
	}
	rng := rand.New(rand.NewSource(projectionSeed))
	scale := 1 / math.Sqrt(float64(outDims))
	data := make([]float64, inDims*outDims)
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
	return &Projector{r: mat.NewDense(inDims, outDims, data), in: inDims, out: outDims}
}

// Project maps one embedding into the reduced space.
func (p *Projector) Project(embedding []float32) []float64 {
	x := make([]float64, p.in)
	for i, v := range embedding {
		if i >= p.in {
			break
		}
		x[i] = float64(v)
	}
	var y mat.VecDense
	y.MulVec(p.r.T(), mat.NewVecDense(p.in, x))
	out := make([]float64, p.out)
	copy(out, y.RawVector().Data)
	return out
}

// ProjectAll maps a batch of embeddings, preserving order.
func (p *Projector) ProjectAll(embeddings [][]float32) [][]float64 {
	out := make([][]float64, len(embeddings))
	for i, e := range embeddings {
		out[i] = p.Project(e)
	}
	return out
}
