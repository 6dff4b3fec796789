// Package grid builds the sorting grid, a spatial bucket index over fluid
// particles that is rebuilt every simulation step.
//
// A rebuild runs on one device queue:
//
//	upload -> generate keys -> radix sort -> rearrange (device) -> rearrange (host) -> compact
//
// Keys are cell coordinates packed into a [SpatialKey]. After sorting, the
// particle arrays are permuted into key order and the sorted keys are
// compacted into the ascending unique active cells and, for each, the
// half-open range of sorted particles it owns. Neighbor queries binary-search
// the active cells; see [Query].
//
// Two compaction strategies share the [Compactor] contract:
//
//   - [SerialCompactor]: one work item walks the keys once
//   - [ParallelCompactor]: mark, scan, store, then count, scan, generate ranges
//
// [AutoCompactor] picks between them by particle count and [CrossCheck] runs
// both on the same keys.
package grid
