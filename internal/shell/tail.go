package shell

// tail retains the most recent bytes of a stream. offset counts bytes
// dropped from the front, so offset+len(data) is the absolute position of
// the next byte to be appended.
type tail struct {
	offset int64
	data   []byte
	max    int
}

func newTail(maxOutputChars int) *tail {
	max := 2 * maxOutputChars
	if max < 2000 {
		max = 2000
	}
	return &tail{max: max}
}

// abs is the absolute position of the stream end.
func (t *tail) abs() int64 {
	return t.offset + int64(len(t.data))
}

func (t *tail) append(b []byte) {
	t.data = append(t.data, b...)
	if len(t.data) > t.max {
		drop := len(t.data) - t.max
		t.data = append(t.data[:0:0], t.data[drop:]...)
		t.offset += int64(drop)
	}
}

// sliceRange returns the retained bytes in the absolute range [from, to),
// clipped to what is still held.
func (t *tail) sliceRange(from, to int64) []byte {
	if to > t.abs() {
		to = t.abs()
	}
	if from < t.offset {
		from = t.offset
	}
	if from >= to {
		return nil
	}
	return t.data[from-t.offset : to-t.offset]
}

// sliceFrom returns everything retained at or after the absolute position.
func (t *tail) sliceFrom(from int64) []byte {
	return t.sliceRange(from, t.abs())
}

// dropSuffix removes the last n retained bytes. Used to strip a sentinel
// line once it has been consumed; the sentinel is always the stream suffix
// at that point, so earlier positions stay valid.
func (t *tail) dropSuffix(n int) {
	if n <= 0 {
		return
	}
	if n > len(t.data) {
		n = len(t.data)
	}
	t.data = t.data[:len(t.data)-n]
}
