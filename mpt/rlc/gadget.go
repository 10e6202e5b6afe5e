package rlc

import (
	"github.com/consensys/gnark/frontend"
)

// Gadget mirrors Table/Acc in-circuit: the randomness is a variable and the
// power table is built by successive multiplication at compile time.
type Gadget struct {
	api frontend.API
	r   frontend.Variable
	pow []frontend.Variable
}

// NewGadget builds the in-circuit power table r^0..r^n.
func NewGadget(api frontend.API, r frontend.Variable, n int) *Gadget {
	g := &Gadget{api: api, r: r, pow: make([]frontend.Variable, n+1)}
	g.pow[0] = frontend.Variable(1)
	for i := 1; i <= n; i++ {
		g.pow[i] = api.Mul(g.pow[i-1], r)
	}
	return g
}

// R returns the randomness variable.
func (g *Gadget) R() frontend.Variable { return g.r }

// Pow returns r^i.
func (g *Gadget) Pow(i int) frontend.Variable { return g.pow[i] }

// Fold returns (acc + Σ bytes_i·mult·r^i, mult·r^len(bytes)).
func (g *Gadget) Fold(acc, mult frontend.Variable, bytes []frontend.Variable) (frontend.Variable, frontend.Variable) {
	for i, b := range bytes {
		acc = g.api.Add(acc, g.api.Mul(b, mult, g.pow[i]))
	}
	mult = g.api.Mul(mult, g.pow[len(bytes)])
	return acc, mult
}

// Combine is the one-shot in-circuit RLC Σ bytes_i·r^i.
func (g *Gadget) Combine(bytes []frontend.Variable) frontend.Variable {
	acc, _ := g.Fold(frontend.Variable(0), frontend.Variable(1), bytes)
	return acc
}
