// Package transfer implements the resumable chunked download engine of
// spec §4.5-4.7: the TransferState FSM, the direct download loop over
// internal/wire, and the relay dispatch policy. Grounded on go-node's
// file_transfer.go storeChunk/tryAssemble for the chunk-commit and
// assembly shape, replaced here with a bitset-tracked, positioned-write
// `.part` file instead of one file per chunk, and with a sync.Cond in
// place of the teacher's sleep-polling pause (spec §9).
package transfer

import (
	"fmt"
	"sync"
	"time"
)

// Status is a transfer's position in the FSM of spec §4.6.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusFailed      Status = "failed"
)

// bitset is a fixed-size bit vector tracking which chunk indices have been
// committed to the `.part` file.
type bitset struct {
	bits []uint64
	n    int
}

func newBitset(n int) *bitset {
	return &bitset{bits: make([]uint64, (n+63)/64), n: n}
}

func (b *bitset) set(i int)      { b.bits[i/64] |= 1 << uint(i%64) }
func (b *bitset) isSet(i int) bool { return b.bits[i/64]&(1<<uint(i%64)) != 0 }
func (b *bitset) cardinality() int {
	c := 0
	for _, w := range b.bits {
		for w != 0 {
			c++
			w &= w - 1
		}
	}
	return c
}

// firstClear returns the lowest-indexed unset bit, or -1 if all n bits are set.
func (b *bitset) firstClear() int {
	for i := 0; i < b.n; i++ {
		if !b.isSet(i) {
			return i
		}
	}
	return -1
}

// State is the concurrency-safe transfer record of spec §3. Exactly one
// download-loop goroutine mutates `received`/`bytesTransferred`; pause and
// cancel are signaled through the condition variable rather than directly
// touching the bitset.
type State struct {
	mu   sync.Mutex
	cond *sync.Cond

	TransferID      string
	PeerID          string
	FileName        string
	Size            int64
	ChunkSize       int
	TotalChunks     int
	SaveDirectory   string

	received          *bitset
	bytesTransferred  int64
	status            Status
	startTime         time.Time
	accumulatedPause  time.Duration
	pausedAt          time.Time
	failureReason     string
}

// New constructs a Pending TransferState for a file of the given size and
// chunk size, per spec §3/§4.6.
func New(transferID, peerID, fileName string, size int64, chunkSize int, saveDir string) *State {
	total := int((size + int64(chunkSize) - 1) / int64(chunkSize))
	if size == 0 {
		total = 0
	}
	s := &State{
		TransferID:    transferID,
		PeerID:        peerID,
		FileName:      fileName,
		Size:          size,
		ChunkSize:     chunkSize,
		TotalChunks:   total,
		SaveDirectory: saveDir,
		received:      newBitset(total),
		status:        StatusPending,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// chunkLength returns the length in bytes of chunk i, accounting for a
// short final chunk (spec §8 invariant 2).
func (s *State) chunkLength(i int) int64 {
	remaining := s.Size - int64(i)*int64(s.ChunkSize)
	if remaining > int64(s.ChunkSize) {
		return int64(s.ChunkSize)
	}
	return remaining
}

// Start transitions Pending → InProgress, recording the start time. A
// zero-chunk (zero-byte source) transfer completes immediately, per spec
// §8's boundary behavior.
func (s *State) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPending {
		return fmt.Errorf("cannot start transfer in state %s", s.status)
	}
	s.startTime = time.Now()
	if s.TotalChunks == 0 {
		s.status = StatusCompleted
		return nil
	}
	s.status = StatusInProgress
	return nil
}

// Pause is honored only from InProgress per spec §4.6.
func (s *State) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusInProgress {
		return fmt.Errorf("cannot pause transfer in state %s", s.status)
	}
	s.status = StatusPaused
	s.pausedAt = time.Now()
	return nil
}

// Resume wakes any goroutine blocked in waitWhilePaused.
func (s *State) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPaused {
		return fmt.Errorf("cannot resume transfer in state %s", s.status)
	}
	s.status = StatusInProgress
	s.accumulatedPause += time.Since(s.pausedAt)
	s.cond.Broadcast()
	return nil
}

// Cancel moves the transfer to Cancelled from any non-terminal state and
// wakes anything waiting on the condition variable so the loop can exit.
func (s *State) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isTerminal(s.status) {
		return fmt.Errorf("cannot cancel terminal transfer in state %s", s.status)
	}
	s.status = StatusCancelled
	s.cond.Broadcast()
	return nil
}

// Fail moves the transfer to Failed from any non-terminal state, recording
// reason for the caller's onError callback.
func (s *State) Fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isTerminal(s.status) {
		return
	}
	s.status = StatusFailed
	s.failureReason = reason
	s.cond.Broadcast()
}

func isTerminal(st Status) bool {
	return st == StatusCompleted || st == StatusCancelled || st == StatusFailed
}

// waitWhilePaused blocks the calling download-loop goroutine while status
// is Paused, replacing file_transfer.go-style sleep-polling with a
// condition-variable wait per spec §9. It returns the status once the
// transfer is no longer paused (InProgress to continue, or a terminal
// state to stop).
func (s *State) waitWhilePaused() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.status == StatusPaused {
		s.cond.Wait()
	}
	return s.status
}

// Status returns the current FSM state.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// commitChunk marks chunkIndex received and advances bytesTransferred. It
// is the single place `received` is mutated, preserving the "exactly one
// thread mutates received" invariant of spec §3.
func (s *State) commitChunk(index int) (complete bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.received.isSet(index) {
		return s.received.cardinality() == s.TotalChunks
	}
	s.received.set(index)
	s.bytesTransferred += s.chunkLength(index)
	if s.received.cardinality() == s.TotalChunks {
		s.status = StatusCompleted
		return true
	}
	return false
}

// Progress reports bytes transferred and chunks received so far.
func (s *State) Progress() (bytesTransferred int64, received, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesTransferred, s.received.cardinality(), s.TotalChunks
}

// MissingChunks returns every chunk index not yet committed, in ascending
// order, the resume/download-loop's work queue.
func (s *State) MissingChunks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for i := 0; i < s.TotalChunks; i++ {
		if !s.received.isSet(i) {
			out = append(out, i)
		}
	}
	return out
}

// FirstMissingChunk returns the lowest-indexed chunk not yet committed, or
// -1 if the transfer is complete, for probing a recovered `.part` file
// whose TransferState was lost (spec §4.5 Resume).
func (s *State) FirstMissingChunk() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received.firstClear()
}

// ElapsedActive returns time spent in InProgress, excluding paused
// duration, per spec §4.6's ETA/speed computation.
func (s *State) ElapsedActive() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime) - s.accumulatedPause
}

// FailureReason returns the reason recorded by Fail, if any.
func (s *State) FailureReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureReason
}
