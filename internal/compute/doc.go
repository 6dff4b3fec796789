// Package compute provides the device layer the sorting grid is built on.
//
// A [Device] owns memory accounting and executes kernels; a [Queue] is a single
// in-order command stream bound to one device. All kernel launches and buffer
// transfers are enqueued and run asynchronously relative to the host until an
// explicit synchronization point ([Event.Wait] or [Queue.Finish]).
//
//   - CPU: kernels run on a pool of worker goroutines, one work group at a time
//   - OpenCL: device probe and native key generation (build with -tags opencl)
//
// # Buffers
//
// [Buffer] is a device-resident array with grow-only capacity. Growing allocates
// the new storage before releasing the old one, so a failed allocation leaves the
// previous contents untouched:
//
//	pairs := compute.NewBuffer[compute.KeyIndexPair](dev, "pairs")
//	if err := pairs.Resize(n, false); err != nil {
//	    return err
//	}
//
// # Primitives
//
// [RadixSorter] sorts key/index pairs by key and [PrefixScanner] computes
// exclusive prefix sums. Both enqueue their work on the caller's queue.
package compute
