package mesh

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/san-kum/jetpool/internal/sim"
)

/*
A dump is little endian:

    |-- header --||-- leaf --| ... |-- leaf --|

header holds the clock, the domain size and the leaf count. Leaves follow in
Z-order, each with its level, integer coordinates and every field value.
Interior nodes are not stored: they are rebuilt by restriction on restore.
*/

type dumpHeader struct {
	Step   int64
	Time   float64
	Dt     float64
	Size   float64
	Fields int32
	Leaves int64
}

type dumpLeaf struct {
	Level  int32
	I, J   int64
	Values [sim.NumFields]float64
}

func (f *Forest) dump(w io.Writer) error {
	bw := bufio.NewWriter(w)
	h := dumpHeader{
		Step:   int64(f.clock.Step),
		Time:   f.clock.Time,
		Dt:     f.clock.Dt,
		Size:   f.size,
		Fields: int32(sim.NumFields),
		Leaves: int64(len(f.leaves)),
	}
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return err
	}
	for _, k := range f.leaves {
		rec := dumpLeaf{Level: int32(k.level), I: int64(k.i), J: int64(k.j), Values: f.nodes[k].values}
		if err := binary.Write(bw, binary.LittleEndian, &rec); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// restore replaces the forest with a dump. The forest is unchanged on error.
func (f *Forest) restore(payload []byte) error {
	r := bytes.NewReader(payload)
	var h dumpHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("mesh: read dump header: %w", err)
	}
	if h.Fields != int32(sim.NumFields) {
		return fmt.Errorf("mesh: dump has %d fields, want %d", h.Fields, sim.NumFields)
	}
	if h.Size != f.size {
		return fmt.Errorf("mesh: dump domain size %g, configured %g", h.Size, f.size)
	}
	want := int64(binary.Size(dumpLeaf{})) * h.Leaves
	if h.Leaves <= 0 || int64(r.Len()) != want {
		return fmt.Errorf("mesh: dump holds %d bytes for %d leaves", r.Len(), h.Leaves)
	}

	nodes := make(map[key]*node, 2*h.Leaves)
	prev := f.nodes
	f.nodes = nodes
	var area float64
	for n := int64(0); n < h.Leaves; n++ {
		var rec dumpLeaf
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			f.nodes = prev
			return fmt.Errorf("mesh: read leaf %d: %w", n, err)
		}
		k := key{int(rec.Level), int(rec.I), int(rec.J)}
		if k.level < 0 || k.level > MaxDepth || !f.inside(k) {
			f.nodes = prev
			return fmt.Errorf("mesh: leaf %d out of range: %+v", n, k)
		}
		if _, dup := nodes[k]; dup {
			f.nodes = prev
			return fmt.Errorf("mesh: leaf %d overlaps another cell", n)
		}
		f.insertLeaf(k, rec.Values)
		area += math.Ldexp(1, -2*k.level)
	}
	// Leaves must tile the unit square exactly once.
	if area != 1 || len(nodes) != countTree(nodes) {
		f.nodes = prev
		return fmt.Errorf("mesh: dump leaves do not tile the domain")
	}

	f.clock = sim.Clock{Step: int(h.Step), Time: h.Time, Dt: h.Dt}
	f.rebuild()
	return nil
}

// countTree counts the nodes reachable as complete sibling groups, which for
// a valid tree is every node.
func countTree(nodes map[key]*node) int {
	count := 0
	for k, n := range nodes {
		if n.leaf {
			count++
			continue
		}
		complete := true
		for _, c := range k.children() {
			if _, ok := nodes[c]; !ok {
				complete = false
			}
		}
		if complete {
			count++
		}
	}
	return count
}
