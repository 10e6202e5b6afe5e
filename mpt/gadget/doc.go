// Package gadget is the in-circuit counterpart of package mpt: a fixed-shape
// storage-proof circuit whose gates mirror the checks of (*mpt.Grid).Validate.
// Node bytes enter the circuit as range-checked byte wires, nodes are
// compressed with the rlc gadget, and hash linkage goes through a lookup
// table of (preimage RLC, digest RLC) pairs shared with a keccak circuit.
//
// Extension levels are constrained directly: the wrapper node is decomposed
// into range-checked byte wires, its key segment is folded nibble by nibble
// into the running key accumulator, and its child item is tied to the branch
// digest through a second hash-table row. The remaining checks (branch
// structure, key parity and continuity, leaf key cases, drifted-leaf
// equality) mirror Validate gate for gate.
package gadget
