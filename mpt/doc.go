// Package mpt implements the trie-node encoding and key-accumulation core of
// a Merkle-Patricia-Trie proof circuit: the fixed-width row model for branch
// and leaf nodes, the leaf-encoding classifier, the sequential witness
// assignment pass that turns a pair of RLP trie proofs (an S "before" state
// and a C "after" state) into a row grid, and the validation pass that checks
// every structural invariant the in-circuit gadgets enforce.
//
// The validation pass is the explicit-grid rendition of the constraint
// system: it reads neighbouring rows at fixed offsets and asserts the same
// arithmetic relations the gadgets in mpt/gadget express over field
// variables. A witness that passes Validate is solvable in-circuit; one that
// fails it corresponds to an unsatisfiable assignment.
package mpt
