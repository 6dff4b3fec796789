package compute

import "fmt"

// KeyIndexPair is the sortable unit: a key and the particle index it was
// generated for.
type KeyIndexPair struct {
	Key   uint32
	Index uint32
}

const (
	radixBits      = 8
	radixBuckets   = 1 << radixBits
	radixBlockSize = 1024
)

// RadixSorter is a stable least-significant-digit radix sort over
// KeyIndexPair, 8 bits per pass. Each pass builds per-block digit histograms,
// scans them digit-major with a PrefixScanner, and scatters every block in
// order so that equal keys keep their relative order.
type RadixSorter struct {
	scanner *PrefixScanner
	temp    *Buffer[KeyIndexPair]
	hist    *Buffer[uint32]
}

func NewRadixSorter(dev Device) *RadixSorter {
	return &RadixSorter{
		scanner: NewPrefixScanner(dev),
		temp:    NewBuffer[KeyIndexPair](dev, "radix temp"),
		hist:    NewBuffer[uint32](dev, "radix histogram"),
	}
}

// Reserve grows the sorter's scratch for sorts of up to n pairs so that Sort
// does not allocate.
func (s *RadixSorter) Reserve(n int) error {
	numBlocks := (n + radixBlockSize - 1) / radixBlockSize
	if err := s.temp.Reserve(n); err != nil {
		return err
	}
	if err := s.hist.Reserve(radixBuckets * numBlocks); err != nil {
		return err
	}
	return s.scanner.Reserve(radixBuckets * numBlocks)
}

// Sort enqueues an ascending sort of the first n pairs by the low keyBits bits
// of their keys. Index fields move with their keys and are not modified.
func (s *RadixSorter) Sort(q *Queue, pairs *Buffer[KeyIndexPair], n, keyBits int, deps ...*Event) *Event {
	if keyBits <= 0 || keyBits > 32 {
		return q.Enqueue("radix: validate", func() error {
			return fmt.Errorf("%w: key bits %d", ErrInvalidArgument, keyBits)
		}, deps...)
	}
	if n <= 1 {
		return q.Enqueue("radix: trivial", nil, deps...)
	}
	numBlocks := (n + radixBlockSize - 1) / radixBlockSize
	histLen := radixBuckets * numBlocks

	last := q.Enqueue("radix: reserve", func() error {
		if n > pairs.Len() {
			return fmt.Errorf("%w: sorting %d of %d pairs", ErrInvalidArgument, n, pairs.Len())
		}
		if err := s.temp.Resize(n, false); err != nil {
			return err
		}
		return s.hist.Resize(histLen, false)
	}, deps...)

	src, dst := pairs, s.temp
	passes := (keyBits + radixBits - 1) / radixBits
	for pass := 0; pass < passes; pass++ {
		shift := uint(pass * radixBits)
		in, out := src, dst

		counted := Launch(q, "radix: histogram", numBlocks, func(block int) {
			data := in.Data()
			hist := s.hist.Data()
			var local [radixBuckets]uint32
			start := block * radixBlockSize
			end := min(start+radixBlockSize, n)
			for i := start; i < end; i++ {
				local[(data[i].Key>>shift)&(radixBuckets-1)]++
			}
			for d := 0; d < radixBuckets; d++ {
				hist[d*numBlocks+block] = local[d]
			}
		}, last)

		scanned := s.scanner.Enqueue(q, s.hist, s.hist, histLen, counted)

		last = Launch(q, "radix: scatter", numBlocks, func(block int) {
			data := in.Data()
			sorted := out.Data()
			hist := s.hist.Data()
			var offsets [radixBuckets]uint32
			for d := 0; d < radixBuckets; d++ {
				offsets[d] = hist[d*numBlocks+block]
			}
			start := block * radixBlockSize
			end := min(start+radixBlockSize, n)
			for i := start; i < end; i++ {
				d := (data[i].Key >> shift) & (radixBuckets - 1)
				sorted[offsets[d]] = data[i]
				offsets[d]++
			}
		}, scanned)

		src, dst = dst, src
	}

	if src != pairs {
		last = EnqueueCopy(q, pairs, src, n, last)
	}
	return last
}

// Release frees the sorter's scratch storage.
func (s *RadixSorter) Release() {
	s.temp.Release()
	s.hist.Release()
	s.scanner.Release()
}
