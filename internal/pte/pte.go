// Package pte implements the page-table-entry encoding shared by both page
// table variants: a machine word packing a physical page number and a flag
// set, modeled on mem/mem.go's Pa_t/PTE_* constants but extended with the
// Accessed/Dirty/Global bits spec.md's data model requires.
package pte

import "duokernel/internal/addr"

// Flag is one bit of a PTE's permission/status word.
type Flag uint64

const (
	Valid Flag = 1 << iota
	Read
	Write
	Execute
	User
	Global
	Accessed
	Dirty
)

// flagShift is where the PPN starts; the flag bits occupy the bits below
// it, mirroring mem.Pmap_t's "PTE_ADDR = PGMASK" layout generalized to a
// configurable low reserved region (RSW bits in a real RISC-V/LoongArch PTE
// would live here; this core doesn't need them).
const flagShift = 10

// PTE is one page-table entry: [ppn : flags].
type PTE uint64

// New packs a physical page number and flag set into a PTE.
func New(ppn addr.PhysPageNum, flags Flag) PTE {
	return PTE(uint64(ppn)<<flagShift | uint64(flags))
}

// PPN extracts the physical page number a PTE maps to.
func (p PTE) PPN() addr.PhysPageNum { return addr.PhysPageNum(uint64(p) >> flagShift) }

// Flags extracts the flag bits of a PTE.
func (p PTE) Flags() Flag { return Flag(uint64(p) & (1<<flagShift - 1)) }

// Is reports whether every bit in want is set.
func (p PTE) Is(want Flag) bool { return Flag(p)&want == want }

func (p PTE) IsValid() bool    { return p.Is(Valid) }
func (p PTE) Readable() bool   { return p.Is(Read) }
func (p PTE) Writable() bool   { return p.Is(Write) }
func (p PTE) Executable() bool { return p.Is(Execute) }
func (p PTE) IsUser() bool     { return p.Is(User) }

// WithFlags returns a copy of p with extra flags OR'd in.
func (p PTE) WithFlags(extra Flag) PTE { return p | PTE(extra) }

// Page reinterprets a physical page as an array of 512 page-table entries,
// the same reinterpretation mem.Pmap_t performs over a raw page of Pa_t
// words, used to walk interior page-table nodes.
type Page [512]PTE
