// Package dumpfile implements access to the inputs of a stack walk: the
// register state of each thread, the memory captured at crash time, and the
// list of code modules loaded into the process.
//
// A Snapshot is composed of threads, memory, and modules. Each Thread has an
// optional Context holding the raw registers of one of the supported
// architectures (x86, amd64, arm, arm64). Memory is a sorted set of
// read-only regions; every read is bounds-checked and reports failure instead
// of returning partial data. Modules is an address-sorted table that
// attributes an instruction address to the module that contains it.
//
// Snapshots are usually loaded from Linux ELF core files with Open, which
// also accepts zstd-compressed cores. Other dump formats can be supported by
// building the same types directly: NewMemoryRegion, NewSegments, NewModules,
// and the Context structs are all exported.
//
// All types are immutable once built and safe for concurrent readers.
//
// TODO: Currently unsupported features:
//
// * Minidump and Mach-O core containers
//
// * Module versions (ELF cores do not record them)
//
// * NT_PRFPREG and NT_X86_XSTATE notes: floating point state is left zero
//
package dumpfile
