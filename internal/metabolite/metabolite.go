// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

// Package metabolite generates the masses of drug metabolites. A tree of
// metabolic modifications is decoded from a sequence of hexadecimal
// (level, kind) pairs in depth first order, e.g. for
//
//	M
//	  +O
//	    +O
//	      +Glc
//	    +Glc
//	  +Glc
//
// the sequence is "01 12 22 36 26 16" (spaces optional).
package metabolite

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrSequence is returned for malformed modification sequences
var ErrSequence = errors.New("invalid metabolite sequence")

// Kind is a metabolic modification
type Kind int

// Kinds, numbered as in the encoded sequence
const (
	None Kind = iota
	Parent
	Hydroxyl
	HAOxidized
	Desmethyl
	Desethyl
	Glucuronyl
	Glutathionyl
	Oxidized
	Reduced
	Acetyl
	Hydrolyzed
)

// Monoisotopic mass shifts of hydrolysis
const (
	HydrolysisAcid = 17.00274 // added to the carbonyl fragment
	HydrolysisRest = 1.00782  // added to the remainder
)

type kindInfo struct {
	name   string
	delta  float64
	suffix string
}

var kinds = [...]kindInfo{
	None:         {"None", 0, ""},
	Parent:       {"Metabolite", 0, ""},
	Hydroxyl:     {"Hydroxyl", 15.99492, "_+O"},      // R-H -> R-OH
	HAOxidized:   {"HAOxidized", 15.99492, "_+O"},    // S-oxide, N-oxide
	Desmethyl:    {"Desmethyl", -14.01565, "_-Me"},   // (O/N)-CH3 -> (O/N)-H
	Desethyl:     {"Desethyl", -28.03130, "_-Et"},    // (O/N)-C2H5 -> (O/N)-H
	Glucuronyl:   {"Glucuronyl", 176.03209, "_+Glc"}, // (O/N)-H -> (O/N)-GlcA
	Glutathionyl: {"Glutathionyl", 305.06816, "_+GSH"},
	Oxidized:     {"Oxidized", -2.01565, "_-2H"},
	Reduced:      {"Reduced", 2.01565, "_+2H"},
	Acetyl:       {"Acetyl", 42.01056, "_+Ac"}, // R-NH2 -> R-NH-CO-CH3
	Hydrolyzed:   {"Hydrolyzed", 0, "_Hy"},
}

func (k Kind) valid() bool {
	return k > None && int(k) < len(kinds)
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kinds) {
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
	return kinds[k].name
}

// Delta returns the mass shift of the modification. Hydrolysis has no
// single shift and returns 0.
func (k Kind) Delta() float64 {
	if !k.valid() {
		return 0
	}
	return kinds[k].delta
}

// Suffix returns what the modification adds to a label
func (k Kind) Suffix() string {
	if !k.valid() {
		return ""
	}
	return kinds[k].suffix
}

// Node is a metabolite and the metabolites formed from it. Hydrolysis
// produces two nodes, Part 'A' for the carbonyl fragment and Part 'B' for
// the remainder.
type Node struct {
	Kind  Kind
	Part  byte // 'A' or 'B' for hydrolysis products, else 0
	Depth int
	Mass  float64
	Label string
	Sub   []*Node
}

// NewParent returns the root of a metabolite tree
func NewParent(mass float64) *Node {
	return &Node{Kind: Parent, Mass: mass, Label: "M"}
}

// child returns the metabolite formed from n by a modification of kind k
func (n *Node) child(k Kind) *Node {
	return &Node{
		Kind:  k,
		Depth: n.Depth + 1,
		Mass:  n.Mass + k.Delta(),
		Label: n.Label + k.Suffix(),
	}
}

// Add adds the metabolites formed from n by modification k and returns
// them. Hydrolysis needs the mass of the carbonyl fragment and returns both
// products; other kinds ignore fragment.
func (n *Node) Add(k Kind, fragment float64) ([]*Node, error) {
	if !k.valid() || k == Parent {
		return nil, fmt.Errorf("%w: cannot add %v", ErrSequence, k)
	}
	for _, s := range n.Sub {
		if s.Kind == k {
			return nil, fmt.Errorf("%w: %s already has a %v metabolite", ErrSequence, n.Label, k)
		}
	}
	if k != Hydrolyzed {
		c := n.child(k)
		n.Sub = append(n.Sub, c)
		return []*Node{c}, nil
	}
	if !(fragment > 0) || !(fragment < n.Mass) {
		return nil, fmt.Errorf("%w: fragment mass %g must be between 0 and %g", ErrSequence, fragment, n.Mass)
	}
	a := n.child(k)
	a.Part = 'A'
	a.Mass = fragment + HydrolysisAcid
	a.Label += "A"
	b := n.child(k)
	b.Part = 'B'
	b.Mass = n.Mass - fragment + HydrolysisRest
	b.Label += "B"
	n.Sub = append(n.Sub, a, b)
	return []*Node{a, b}, nil
}

// Walk calls fn for n and all metabolites formed from it, depth first
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, s := range n.Sub {
		s.Walk(fn)
	}
}

func round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}

// Masses returns the masses of the tree, depth first, rounded to the 5
// decimals the mass shifts are accurate to
func (n *Node) Masses() []float64 {
	var m []float64
	n.Walk(func(x *Node) {
		m = append(m, round5(x.Mass))
	})
	return m
}

// Labels returns the labels of the tree in the same order as Masses
func (n *Node) Labels() []string {
	var l []string
	n.Walk(func(x *Node) {
		l = append(l, x.Label)
	})
	return l
}

type token struct {
	level int
	kind  Kind
}

func tokenize(seq string) ([]token, error) {
	seq = strings.Join(strings.Fields(seq), "")
	if len(seq)%2 != 0 {
		return nil, fmt.Errorf("%w: odd length %d", ErrSequence, len(seq))
	}
	tokens := make([]token, 0, len(seq)/2)
	for i := 0; i < len(seq); i += 2 {
		level, err1 := strconv.ParseUint(seq[i:i+1], 16, 8)
		kind, err2 := strconv.ParseUint(seq[i+1:i+2], 16, 8)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%w: %q is not a hexadecimal pair", ErrSequence, seq[i:i+2])
		}
		tokens = append(tokens, token{level: int(level), kind: Kind(kind)})
	}
	return tokens, nil
}

// Decode builds the metabolite tree of a parent with the given mass from
// an encoded sequence. The sequence starts with "01", the parent. fragment
// is the carbonyl fragment mass used for hydrolysis.
func Decode(mass float64, seq string, fragment float64) (*Node, error) {
	tokens, err := tokenize(seq)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 || tokens[0] != (token{0, Parent}) {
		return nil, fmt.Errorf("%w: must start with 01", ErrSequence)
	}
	root := NewParent(mass)
	// stack[l] holds the metabolites most recently added at level l
	stack := [][]*Node{{root}}
	for i, t := range tokens[1:] {
		if t.level < 1 || t.level > len(stack) {
			return nil, fmt.Errorf("%w: token %d: level %d follows level %d",
				ErrSequence, i+2, t.level, len(stack)-1)
		}
		stack = stack[:t.level]
		var added []*Node
		for _, p := range stack[t.level-1] {
			nodes, err := p.Add(t.kind, fragment)
			if err != nil {
				return nil, fmt.Errorf("token %d: %w", i+2, err)
			}
			added = append(added, nodes...)
		}
		stack = append(stack, added)
	}
	return root, nil
}
