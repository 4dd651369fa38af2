package search

import (
	"math"
	"sort"

	"github.com/hessamz/docuchat/models"
)

const rrfK = 60

type scoredDoc struct {
	doc   models.SourceDocument
	score float64
}

// fuseRRF merges two ranked candidate lists with reciprocal-rank fusion and
// returns the top k documents.
func fuseRRF(a, b []models.SourceDocument, k int) []models.SourceDocument {
	type agg struct {
		doc   models.SourceDocument
		score float64
	}
	m := map[string]*agg{}
	add := func(list []models.SourceDocument) {
		for rank, d := range list {
			key := d.ID
			if key == "" {
				key = d.ChunkID
			}
			x, ok := m[key]
			if !ok {
				x = &agg{doc: d}
				m[key] = x
			}
			x.score += 1.0 / float64(rrfK+rank+1)
		}
	}
	add(a)
	add(b)
	scored := make([]scoredDoc, 0, len(m))
	for _, v := range m {
		scored = append(scored, scoredDoc{doc: v.doc, score: v.score})
	}
	sortScored(scored)
	if k > len(scored) {
		k = len(scored)
	}
	out := make([]models.SourceDocument, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, scored[i].doc)
	}
	return out
}

// sortScored orders by descending score; candidates whose scores agree to
// six decimal places fall back to the (title, chunk) tuple so results are
// deterministic.
func sortScored(scored []scoredDoc) {
	sort.SliceStable(scored, func(i, j int) bool {
		si := math.Round(scored[i].score*1e6) / 1e6
		sj := math.Round(scored[j].score*1e6) / 1e6
		if si != sj {
			return si > sj
		}
		if scored[i].doc.Title != scored[j].doc.Title {
			return scored[i].doc.Title < scored[j].doc.Title
		}
		return scored[i].doc.Chunk < scored[j].doc.Chunk
	})
}
