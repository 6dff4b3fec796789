package compute

const scanBlockSize = 1024

// PrefixScanner computes exclusive prefix sums of uint32 buffers in three
// passes: per-block reduction, a single-item scan of the block sums, then a
// per-block scan seeded with its block offset. in and out may be the same
// buffer.
type PrefixScanner struct {
	blockSums *Buffer[uint32]
}

func NewPrefixScanner(dev Device) *PrefixScanner {
	return &PrefixScanner{blockSums: NewBuffer[uint32](dev, "scan block sums")}
}

// Reserve grows the scanner's scratch for scans of up to n elements.
func (s *PrefixScanner) Reserve(n int) error {
	return s.blockSums.Reserve((n+scanBlockSize-1)/scanBlockSize + 1)
}

// Enqueue scans the first n elements of in into out without waiting.
func (s *PrefixScanner) Enqueue(q *Queue, in, out *Buffer[uint32], n int, deps ...*Event) *Event {
	if n <= 0 {
		return q.Enqueue("scan: empty", nil, deps...)
	}
	numBlocks := (n + scanBlockSize - 1) / scanBlockSize

	reserve := q.Enqueue("scan: reserve", func() error {
		if n > in.Len() || n > out.Len() {
			return ErrInvalidArgument
		}
		return s.blockSums.Resize(numBlocks+1, false)
	}, deps...)

	reduce := Launch(q, "scan: reduce blocks", numBlocks, func(block int) {
		src := in.Data()
		start := block * scanBlockSize
		end := min(start+scanBlockSize, n)
		var sum uint32
		for i := start; i < end; i++ {
			sum += src[i]
		}
		s.blockSums.Data()[block] = sum
	}, reserve)

	offsets := LaunchSingle(q, "scan: block offsets", func() {
		sums := s.blockSums.Data()
		var acc uint32
		for b := 0; b < numBlocks; b++ {
			v := sums[b]
			sums[b] = acc
			acc += v
		}
		sums[numBlocks] = acc
	}, reduce)

	return Launch(q, "scan: blocks", numBlocks, func(block int) {
		src, dst := in.Data(), out.Data()
		start := block * scanBlockSize
		end := min(start+scanBlockSize, n)
		acc := s.blockSums.Data()[block]
		for i := start; i < end; i++ {
			v := src[i]
			dst[i] = acc
			acc += v
		}
	}, offsets)
}

// ExclusiveScan scans the first n elements of in into out and returns the sum
// of all n inputs. It blocks until the result is available.
func (s *PrefixScanner) ExclusiveScan(q *Queue, in, out *Buffer[uint32], n int, deps ...*Event) (uint32, error) {
	if n <= 0 {
		return 0, nil
	}
	scanned := s.Enqueue(q, in, out, n, deps...)
	var total uint32
	read := q.Enqueue("scan: total", func() error {
		sums := s.blockSums.Data()
		total = sums[len(sums)-1]
		return nil
	}, scanned)
	if err := read.Wait(); err != nil {
		return 0, err
	}
	return total, nil
}

// Release frees the scanner's scratch storage.
func (s *PrefixScanner) Release() {
	s.blockSums.Release()
}
