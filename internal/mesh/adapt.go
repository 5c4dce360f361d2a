package mesh

import (
	"math"
	"sort"

	"github.com/san-kum/jetpool/internal/sim"
)

// coarsenFraction is how far below tolerance every criterion must be before
// a cell may be merged with its siblings.
const coarsenFraction = 2.0 / 3.0

// waveletError estimates the error of reconstructing fld on k from the next
// coarser level: the spread of a linear fit through the face neighbours.
func (f *Forest) waveletError(k key, fld sim.Field) float64 {
	e, w := f.neighbour(k, 1, 0, fld), f.neighbour(k, -1, 0, fld)
	n, s := f.neighbour(k, 0, 1, fld), f.neighbour(k, 0, -1, fld)
	return (math.Abs(e-w) + math.Abs(n-s)) / 8
}

func sortKeys(keys []key) {
	sort.Slice(keys, func(a, b int) bool {
		ka, kb := keys[a], keys[b]
		if ka.level != kb.level {
			return ka.level < kb.level
		}
		if ka.i != kb.i {
			return ka.i < kb.i
		}
		return ka.j < kb.j
	})
}

// adapt refines every leaf where some criterion exceeds its tolerance and
// merges sibling groups where every criterion is comfortably below it.
func (f *Forest) adapt(criteria []sim.Criterion, maxLevel, minLevel int) sim.AdaptStats {
	var refine []key
	calm := make(map[key]bool)
	for _, k := range f.leaves {
		worst := 0.0
		for _, c := range criteria {
			worst = math.Max(worst, f.waveletError(k, c.Field)/c.Tolerance)
		}
		switch {
		case worst > 1 && k.level < maxLevel:
			refine = append(refine, k)
		case worst < coarsenFraction:
			calm[k] = true
		}
	}

	var stats sim.AdaptStats
	for _, k := range refine {
		f.split(k)
		stats.Refined++
	}
	stats.Refined += f.balance()

	var parents []key
	seen := make(map[key]bool)
	for k := range calm {
		if k.level <= minLevel {
			continue
		}
		p := k.parent()
		if !seen[p] {
			seen[p] = true
			parents = append(parents, p)
		}
	}
	sortKeys(parents)
	for _, p := range parents {
		if f.canMerge(p, calm) {
			f.merge(p)
			stats.Coarsened++
		}
	}

	f.rebuild()
	stats.Leaves = len(f.leaves)
	return stats
}

// canMerge reports whether the children of p are calm leaves and merging them
// keeps the mesh balanced.
func (f *Forest) canMerge(p key, calm map[key]bool) bool {
	kids := p.children()
	for _, c := range kids {
		n, ok := f.nodes[c]
		if !ok || !n.leaf || !calm[c] {
			return false
		}
	}
	for _, c := range kids {
		for _, d := range directions {
			nk := key{c.level, c.i + d[0], c.j + d[1]}
			if nk.parent() == p || !f.inside(nk) {
				continue
			}
			if n, ok := f.nodes[nk]; ok && !n.leaf {
				return false
			}
		}
	}
	return true
}

// refine splits leaves selected by where until none remain below maxLevel.
func (f *Forest) refine(where func(sim.Point, int) bool, maxLevel int) int {
	splits := 0
	for {
		var todo []key
		for k, n := range f.nodes {
			if n.leaf && k.level < maxLevel && where(f.center(k), k.level) {
				todo = append(todo, k)
			}
		}
		if len(todo) == 0 {
			break
		}
		for _, k := range todo {
			f.split(k)
			splits++
		}
	}
	splits += f.balance()
	f.rebuild()
	return splits
}
