package gateway

type replayEntry struct {
	seq   int64
	frame []byte
}

// replayRing 保存最近发出的 DISPATCH 帧, 用于 RESUME 补发
type replayRing struct {
	entries []replayEntry
	start   int
	size    int
}

func newReplayRing(capacity int) *replayRing {
	return &replayRing{entries: make([]replayEntry, capacity)}
}

func (r *replayRing) push(seq int64, frame []byte) {
	idx := (r.start + r.size) % len(r.entries)
	r.entries[idx] = replayEntry{seq: seq, frame: frame}
	if r.size < len(r.entries) {
		r.size++
		return
	}
	r.start = (r.start + 1) % len(r.entries)
}

func (r *replayRing) oldest() int64 {
	if r.size == 0 {
		return 0
	}
	return r.entries[r.start].seq
}

func (r *replayRing) len() int { return r.size }

// since returns every frame with seq > after in order. ok is false when frames after
// `after` were already evicted or after is ahead of current.
func (r *replayRing) since(after, current int64) ([][]byte, bool) {
	if after > current || after < 0 {
		return nil, false
	}
	if after == current {
		return nil, true
	}
	if r.size == 0 || r.oldest() > after+1 {
		return nil, false
	}
	frames := make([][]byte, 0, current-after)
	for i := 0; i < r.size; i++ {
		e := r.entries[(r.start+i)%len(r.entries)]
		if e.seq > after {
			frames = append(frames, e.frame)
		}
	}
	return frames, true
}
