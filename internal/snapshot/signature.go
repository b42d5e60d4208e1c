package snapshot

import (
	"hash/fnv"
	"math"
	"strconv"

	"github.com/easeaico/snaplocator/internal/uitree"
)

// SignatureDim is the length of a page signature vector.
const SignatureDim = 64

// Signature returns a feature-hashed, L2-normalized vector describing the
// structure of a page. Texts are ignored so that the same screen with
// different data lands close together. Unparseable content yields nil.
func Signature(content string) []float32 {
	tree, err := uitree.Parse(content)
	if err != nil {
		return nil
	}
	return TreeSignature(tree)
}

// TreeSignature is Signature over an already parsed tree.
func TreeSignature(tree *uitree.Tree) []float32 {
	vec := make([]float32, SignatureDim)
	for _, n := range tree.Nodes {
		if n.Class == "" {
			continue
		}
		addFeature(vec, "c:"+n.Class, 1)
		if n.ResourceID != "" {
			addFeature(vec, "r:"+n.ResourceID, 2)
		}
		addFeature(vec, "d:"+strconv.Itoa(n.Depth)+":"+n.Class, 0.5)
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New32a()
	h.Write([]byte(feature))
	sum := h.Sum32()
	idx := sum % SignatureDim
	// signed hashing
	if sum&(1<<31) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}
