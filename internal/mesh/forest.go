package mesh

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/san-kum/jetpool/internal/bc"
	"github.com/san-kum/jetpool/internal/config"
	"github.com/san-kum/jetpool/internal/sim"
)

// MaxDepth bounds refinement so cell coordinates fit the Z-order key.
const MaxDepth = 24

var ErrDepth = errors.New("mesh: refinement level out of range")

type key struct {
	level, i, j int
}

func (k key) parent() key { return key{k.level - 1, k.i >> 1, k.j >> 1} }

func (k key) children() [4]key {
	l, i, j := k.level+1, 2*k.i, 2*k.j
	return [4]key{{l, i, j}, {l, i + 1, j}, {l, i, j + 1}, {l, i + 1, j + 1}}
}

// morton interleaves the cell's corner coordinates at MaxDepth.
func (k key) morton() uint64 {
	shift := uint(MaxDepth - k.level)
	return spread(uint64(k.i)<<shift) | spread(uint64(k.j)<<shift)<<1
}

func spread(v uint64) uint64 {
	v &= 0xffffffff
	v = (v | v<<16) & 0x0000ffff0000ffff
	v = (v | v<<8) & 0x00ff00ff00ff00ff
	v = (v | v<<4) & 0x0f0f0f0f0f0f0f0f
	v = (v | v<<2) & 0x3333333333333333
	v = (v | v<<1) & 0x5555555555555555
	return v
}

type node struct {
	leaf   bool
	values [sim.NumFields]float64
}

// Forest is the quadtree over [0,L0]². It is shared by all workers of a run;
// only the coordinator mutates it, between barriers.
type Forest struct {
	size  float64
	coef  config.Coefficients
	bcs   *bc.Set
	cfl   float64
	maxDt float64

	nodes  map[key]*node
	leaves []key
	clock  sim.Clock

	scratch [][sim.NumFields]float64
	adapted sim.AdaptStats
}

// NewForest builds a uniform mesh at p.InitLevel with the conformation tensor
// at rest.
func NewForest(p config.Params, bcs *bc.Set) (*Forest, error) {
	if p.MaxLevel > MaxDepth || p.InitLevel < 0 || p.InitLevel > p.MaxLevel {
		return nil, fmt.Errorf("%w: init %d, max %d (limit %d)", ErrDepth, p.InitLevel, p.MaxLevel, MaxDepth)
	}
	if bcs == nil {
		bcs = bc.NewSet()
	}
	f := &Forest{
		size:  p.DomainSize,
		coef:  p.Derive(),
		bcs:   bcs,
		cfl:   p.Engine.CFL,
		maxDt: p.Engine.MaxDt,
	}
	f.reset(p.InitLevel)
	return f, nil
}

func restValues() [sim.NumFields]float64 {
	var v [sim.NumFields]float64
	v[sim.FieldA11] = 1
	v[sim.FieldA22] = 1
	v[sim.FieldAThTh] = 1
	return v
}

func (f *Forest) reset(level int) {
	f.nodes = make(map[key]*node)
	n := 1 << level
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			f.insertLeaf(key{level, i, j}, restValues())
		}
	}
	f.clock = sim.Clock{}
	f.rebuild()
}

// insertLeaf adds k as a leaf and creates any missing ancestors.
func (f *Forest) insertLeaf(k key, v [sim.NumFields]float64) {
	f.nodes[k] = &node{leaf: true, values: v}
	for a := k; a.level > 0; {
		a = a.parent()
		if _, ok := f.nodes[a]; ok {
			return
		}
		f.nodes[a] = &node{}
	}
}

func (f *Forest) delta(level int) float64 { return f.size / float64(int(1)<<level) }

func (f *Forest) center(k key) sim.Point {
	d := f.delta(k.level)
	return sim.Point{X: (float64(k.i) + 0.5) * d, Y: (float64(k.j) + 0.5) * d}
}

func (f *Forest) inside(k key) bool {
	n := 1 << k.level
	return k.i >= 0 && k.j >= 0 && k.i < n && k.j < n
}

// rebuild re-sorts the leaf list in Z-order and restricts leaf values onto
// every ancestor.
func (f *Forest) rebuild() {
	f.leaves = f.leaves[:0]
	byLevel := make(map[int][]key)
	maxLevel := 0
	for k, n := range f.nodes {
		if n.leaf {
			f.leaves = append(f.leaves, k)
		} else {
			byLevel[k.level] = append(byLevel[k.level], k)
			maxLevel = max(maxLevel, k.level)
		}
	}
	sort.Slice(f.leaves, func(a, b int) bool {
		ma, mb := f.leaves[a].morton(), f.leaves[b].morton()
		if ma != mb {
			return ma < mb
		}
		return f.leaves[a].level < f.leaves[b].level
	})

	for l := maxLevel; l >= 0; l-- {
		for _, k := range byLevel[l] {
			var sum [sim.NumFields]float64
			for _, c := range k.children() {
				cv := f.nodes[c].values
				for fld := range sum {
					sum[fld] += cv[fld]
				}
			}
			n := f.nodes[k]
			for fld := range sum {
				n.values[fld] = sum[fld] / 4
			}
		}
	}
}

// covering returns the leaf that covers the region of k, or k itself when
// k is an internal node.
func (f *Forest) covering(k key) (key, *node) {
	for a := k; a.level >= 0; a = a.parent() {
		if n, ok := f.nodes[a]; ok {
			return a, n
		}
	}
	return key{}, nil
}

// sample is the value of fld over the region of k at k's level: a leaf
// value, a restricted average, or the value of a coarser covering leaf.
func (f *Forest) sample(k key, fld sim.Field) float64 {
	_, n := f.covering(k)
	if n == nil {
		return 0
	}
	return n.values[fld]
}

func (f *Forest) split(k key) {
	n := f.nodes[k]
	for _, c := range k.children() {
		f.nodes[c] = &node{leaf: true, values: n.values}
	}
	n.leaf = false
}

func (f *Forest) merge(k key) {
	var sum [sim.NumFields]float64
	for _, c := range k.children() {
		cv := f.nodes[c].values
		for fld := range sum {
			sum[fld] += cv[fld]
		}
		delete(f.nodes, c)
	}
	n := f.nodes[k]
	for fld := range sum {
		n.values[fld] = sum[fld] / 4
	}
	n.leaf = true
}

var directions = [8][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}, {1, 1}, {1, -1}, {-1, 1}, {-1, -1}}

// balance splits coarse leaves until every pair of leaves touching at a face
// or corner differs by at most one level. It returns the number of splits.
func (f *Forest) balance() int {
	splits := 0
	for {
		var coarse []key
		seen := make(map[key]bool)
		for k, n := range f.nodes {
			if !n.leaf || k.level < 2 {
				continue
			}
			for _, d := range directions {
				nk := key{k.level, k.i + d[0], k.j + d[1]}
				if !f.inside(nk) {
					continue
				}
				ck, cn := f.covering(nk)
				if cn != nil && cn.leaf && ck.level < k.level-1 && !seen[ck] {
					seen[ck] = true
					coarse = append(coarse, ck)
				}
			}
		}
		if len(coarse) == 0 {
			return splits
		}
		for _, ck := range coarse {
			f.split(ck)
			splits++
		}
	}
}

// Balanced reports whether the 2:1 condition holds everywhere.
func (f *Forest) Balanced() bool {
	for _, k := range f.leaves {
		for _, d := range directions {
			nk := key{k.level, k.i + d[0], k.j + d[1]}
			if !f.inside(nk) {
				continue
			}
			ck, cn := f.covering(nk)
			if cn != nil && cn.leaf && ck.level < k.level-1 {
				return false
			}
		}
	}
	return true
}

func (f *Forest) Stats() sim.MeshStats {
	s := sim.MeshStats{Leaves: len(f.leaves), MinLevel: math.MaxInt}
	for _, k := range f.leaves {
		s.MinLevel = min(s.MinLevel, k.level)
		s.MaxLevel = max(s.MaxLevel, k.level)
	}
	if len(f.leaves) == 0 {
		s.MinLevel = 0
	}
	return s
}

func (f *Forest) cell(k key) sim.Cell {
	return sim.Cell{
		Center: f.center(k),
		Delta:  f.delta(k.level),
		Level:  k.level,
		Values: f.nodes[k].values,
	}
}

// Cells returns a snapshot of every leaf in Z-order.
func (f *Forest) Cells() []sim.Cell {
	out := make([]sim.Cell, len(f.leaves))
	for i, k := range f.leaves {
		out[i] = f.cell(k)
	}
	return out
}
