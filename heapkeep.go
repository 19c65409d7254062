// ABOUTME: Root heapkeep package providing version information and package documentation
// ABOUTME: The library itself lives in heap, spaces, handles, graph, snapshot and collector

// Package heapkeep tracks the roots of a managed heap and the page
// bookkeeping that compaction relies on. Global handles and root vectors
// live in handles, per-page free lists and evacuation flags in spaces,
// and collector ties them together in a stop-the-world collection cycle.
package heapkeep

// Version is the semantic version of the heapkeep module
const Version = "0.1.0-dev"
