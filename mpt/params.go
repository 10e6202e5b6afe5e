package mpt

// Geometry of the row grid.
const (
	// HashWidth is the byte width of a node hash and of a row payload region.
	HashWidth = 32
	// Arity is the number of children of a branch node.
	Arity = 16
	// NibblesPerKey is the nibble length of a full storage key. Every valid
	// path through the trie consumes exactly this many nibbles; anything
	// shorter would admit an unhashed short root.
	NibblesPerKey = 64
)

// RLP byte markers used by the row constraints.
const (
	rlpNil        = 128 // empty string, denotes a nil branch child
	rlpHashMarker = 160 // 0x80 + 32, string header of a 32-byte hash
	rlpListShort  = 192 // 0xc0, list header for total payload <= 55 bytes
	rlpListLong1  = 248 // 0xf8, list header with 1-byte length
	rlpListLong2  = 249 // 0xf9, list header with 2-byte length

	// Hex-prefix markers of a terminal (leaf) key segment.
	evenLeafPrefix = 32 // 0x20, even number of remaining nibbles
	oddLeafPrefix  = 48 // 0x30 + n, odd number, n packed into the prefix byte

	// Hex-prefix markers of a non-terminal (extension) key segment.
	evenExtPrefix = 0  // 0x00
	oddExtPrefix  = 16 // 0x10 + n
)
