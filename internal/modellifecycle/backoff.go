package modellifecycle

import "time"

// fixedSequenceBackOff implements backoff.BackOff with the exact retry
// sequence spec.md §4.7 names (5s, 15s, 45s) rather than a generically
// jittered exponential curve, since the spec pins these delays literally.
type fixedSequenceBackOff struct {
	delays []time.Duration
	i      int
}

func newDownloadBackOff(base time.Duration) *fixedSequenceBackOff {
	return &fixedSequenceBackOff{delays: []time.Duration{base, base * 3, base * 9}}
}

func (b *fixedSequenceBackOff) NextBackOff() time.Duration {
	if b.i >= len(b.delays) {
		return backOffStop
	}
	d := b.delays[b.i]
	b.i++
	return d
}

func (b *fixedSequenceBackOff) Reset() { b.i = 0 }

// backOffStop mirrors backoff.Stop (-1), signaling "do not retry again".
const backOffStop = time.Duration(-1)
