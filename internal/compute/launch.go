package compute

import (
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Kernel is one work item of a 1-D launch.
type Kernel func(gid int)

// Launch enqueues kernel over the global range [0, n), split into work groups
// of the device's work-group size. A launch over an empty range issues no work.
func Launch(q *Queue, label string, n int, kernel Kernel, deps ...*Event) *Event {
	if n <= 0 {
		return completedEvent(label, nil)
	}
	dev := q.Device()
	return q.submit(command{
		label:  label,
		kernel: true,
		deps:   deps,
		fn: func() error {
			return runGroups(dev.Workers(), dev.WorkGroupSize(), n, kernel)
		},
	})
}

// LaunchSingle enqueues fn as a single work item, for passes that must walk
// their input sequentially.
func LaunchSingle(q *Queue, label string, fn func(), deps ...*Event) *Event {
	return q.submit(command{
		label:  label,
		kernel: true,
		deps:   deps,
		fn: func() error {
			return protect(fn)
		},
	})
}

func runGroups(workers, groupSize, n int, kernel Kernel) error {
	numGroups := (n + groupSize - 1) / groupSize
	if workers > numGroups {
		workers = numGroups
	}
	if workers <= 1 {
		return protect(func() {
			for i := 0; i < n; i++ {
				kernel(i)
			}
		})
	}

	var next atomic.Int64
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			return protect(func() {
				for {
					group := int(next.Add(1) - 1)
					if group >= numGroups {
						return
					}
					start := group * groupSize
					end := min(start+groupSize, n)
					for i := start; i < end; i++ {
						kernel(i)
					}
				}
			})
		})
	}
	return g.Wait()
}

func protect(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				err = fmt.Errorf("%w: %w", ErrKernelFault, rerr)
				return
			}
			err = fmt.Errorf("%w: %v", ErrKernelFault, r)
		}
	}()
	fn()
	return nil
}

// IsKernelFault reports whether err came from an aborted kernel.
func IsKernelFault(err error) bool {
	return errors.Is(err, ErrKernelFault)
}
