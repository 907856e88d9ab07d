// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// AnswerBufferSize caps one accumulated answer.
	//
	// 512 KB holds far more than any max_tokens setting the relay uses.
	AnswerBufferSize = 512 * 1024

	// LockedInitialSize is the first locked allocation of an answer. The
	// buffer doubles on demand up to AnswerBufferSize.
	LockedInitialSize = 16 * 1024

	// MinMlockLimitKB is the mlock limit needed for locked buffers.
	MinMlockLimitKB = 512

	// MlockHeadroomBytes is kept out of the answer budget for memguard's
	// own key material.
	MlockHeadroomBytes = 64 * 1024

	// InsecureMemoryEnv allows the unlocked fallback when mlock is too low.
	InsecureMemoryEnv = "ALEUTIAN_CHAT_INSECURE_MEMORY"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrAnswerTooLarge is returned once the answer exceeds AnswerBufferSize.
	ErrAnswerTooLarge = errors.New("answer exceeds accumulator capacity")

	// ErrAccumulatorClosed is returned after Finalize or Destroy.
	ErrAccumulatorClosed = errors.New("accumulator already finalized")

	// ErrAccumulatorDestroyed is returned when the locked memory behind an
	// answer was wiped underneath it.
	ErrAccumulatorDestroyed = errors.New("answer buffer destroyed")

	// ErrMlockInsufficient is returned when locked memory is unavailable and
	// the insecure fallback is not allowed.
	ErrMlockInsufficient = errors.New("mlock limit insufficient for secure answer buffer")

	// ErrLockedMemoryExhausted is returned when concurrent answers already
	// hold the whole locked-memory budget.
	ErrLockedMemoryExhausted = errors.New("locked memory budget exhausted")
)

// =============================================================================
// Package Variables
// =============================================================================

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64

	// lockedMemory accounts for every locked answer page in the process.
	lockedMemory = newLockBudget(-1)
)

// =============================================================================
// Locked Memory Budget
// =============================================================================

// lockBudget tracks locked bytes against RLIMIT_MEMLOCK so that an
// allocation never reaches the kernel limit. memguard panics and purges
// every live buffer when mlock fails.
//
// # Thread Safety
//
// Safe for concurrent use.
type lockBudget struct {
	mu    sync.Mutex
	limit int64 // -1 is unlimited
	inUse int64
}

func newLockBudget(limit int64) *lockBudget {
	return &lockBudget{limit: limit}
}

// reserve claims n bytes, reporting false when they do not fit.
func (b *lockBudget) reserve(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit >= 0 && b.inUse+n > b.limit {
		return false
	}
	b.inUse += n
	return true
}

func (b *lockBudget) release(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inUse -= n
	if b.inUse < 0 {
		b.inUse = 0
	}
}

// used returns the bytes currently reserved.
func (b *lockBudget) used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse
}

// lockedBytes is the number of bytes memguard locks for a buffer of size.
func lockedBytes(size int) int64 {
	page := os.Getpagesize()
	return int64((size + page - 1) / page * page)
}

// =============================================================================
// Interface
// =============================================================================

// Accumulator collects the fragments of one answer.
//
// # Description
//
// An Accumulator belongs to exactly one request. Fragments are appended in
// delivery order and hashed incrementally; Finalize returns the full text
// with its SHA-256 digest and wipes the buffer. Destroy wipes without
// returning anything and is safe to call more than once.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type Accumulator interface {
	Write(fragment string) error
	Finalize() (text string, digest string, err error)
	Destroy()
	Len() int
	ID() string
}

// AccumulatorFactory creates the accumulator for one request.
type AccumulatorFactory func() (Accumulator, error)

// =============================================================================
// Factories
// =============================================================================

// NewLockedAccumulator returns an mlocked accumulator.
//
// # Description
//
// Checks RLIMIT_MEMLOCK once per process. When the limit is below
// MinMlockLimitKB the unlocked fallback is returned if InsecureMemoryEnv is
// "true"; otherwise ErrMlockInsufficient. Each answer starts with
// LockedInitialSize bytes reserved from the process budget.
//
// # Outputs
//
//   - Accumulator: Locked, or the unlocked fallback.
//   - error: ErrMlockInsufficient, ErrLockedMemoryExhausted, or an
//     allocation failure.
//
// # Limitations
//
//   - An answer that outgrows its locked buffer while the budget is full
//     moves to ordinary heap memory for the rest of the request.
func NewLockedAccumulator() (Accumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv(InsecureMemoryEnv) == "true" {
			return NewPlainAccumulator(), nil
		}
		return nil, fmt.Errorf("%w: have %d KB, need %d KB", ErrMlockInsufficient, currentMlockLimitKB, MinMlockLimitKB)
	}
	acc, err := newLockedAccumulator(lockedMemory)
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func newLockedAccumulator(budget *lockBudget) (*lockedAccumulator, error) {
	buf, reserved, err := allocateLocked(budget, LockedInitialSize)
	if err != nil {
		return nil, err
	}
	return &lockedAccumulator{
		id:       uuid.New().String(),
		budget:   budget,
		buffer:   buf,
		reserved: reserved,
		hasher:   sha256.New(),
	}, nil
}

// allocateLocked reserves budget and allocates a mutable locked buffer.
func allocateLocked(budget *lockBudget, size int) (buf *memguard.LockedBuffer, reserved int64, err error) {
	reserved = lockedBytes(size)
	if !budget.reserve(reserved) {
		return nil, 0, fmt.Errorf("%w: %d bytes in use", ErrLockedMemoryExhausted, budget.used())
	}

	defer func() {
		if rec := recover(); rec != nil {
			budget.release(reserved)
			buf, reserved = nil, 0
			err = fmt.Errorf("%w: %v", ErrLockedMemoryExhausted, rec)
		}
	}()

	buf = memguard.NewBuffer(size)
	if buf == nil || !buf.IsAlive() {
		budget.release(reserved)
		return nil, 0, errors.New("failed to allocate locked answer buffer")
	}
	buf.Melt()
	return buf, reserved, nil
}

// NewPlainAccumulator returns an accumulator on ordinary heap memory.
//
// The buffer is zeroed on Finalize and Destroy, but the pages may be swapped.
func NewPlainAccumulator() Accumulator {
	return &plainAccumulator{
		id:     uuid.New().String(),
		data:   make([]byte, 0, 4096),
		hasher: sha256.New(),
	}
}

// DefaultAccumulatorFactory prefers locked memory and falls back to a plain
// buffer when locked memory is unavailable or fully in use.
func DefaultAccumulatorFactory() (Accumulator, error) {
	acc, err := NewLockedAccumulator()
	switch {
	case err == nil:
		return acc, nil
	case errors.Is(err, ErrLockedMemoryExhausted):
		slog.Debug("Answer buffer is not mlocked, budget in use", "error", err)
		return NewPlainAccumulator(), nil
	case errors.Is(err, ErrMlockInsufficient):
		slog.Warn("Answer buffer is not mlocked", "error", err)
		return NewPlainAccumulator(), nil
	default:
		return nil, err
	}
}

// =============================================================================
// Locked Implementation
// =============================================================================

// lockedAccumulator keeps the answer in a memguard buffer. Once the budget
// refuses to grow it, the text moves to heap (non-nil) and stays there.
type lockedAccumulator struct {
	id       string
	mu       sync.Mutex
	budget   *lockBudget
	buffer   *memguard.LockedBuffer
	reserved int64
	heap     []byte
	offset   int
	hasher   hash.Hash
	overflow bool
	closed   bool
	failed   error
}

func (a *lockedAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.failed != nil:
		return a.failed
	case a.closed:
		return ErrAccumulatorClosed
	case a.overflow:
		return ErrAnswerTooLarge
	}

	b := []byte(fragment)
	if a.offset+len(b) > AnswerBufferSize {
		a.overflow = true
		return fmt.Errorf("%w: need %d bytes, have %d remaining", ErrAnswerTooLarge, len(b), AnswerBufferSize-a.offset)
	}

	if a.heap == nil {
		if !a.buffer.IsAlive() {
			return a.fail()
		}
		if a.offset+len(b) > a.buffer.Size() && !a.grow(a.offset+len(b)) {
			a.moveToHeap()
		}
	}

	if a.heap != nil {
		a.heap = append(a.heap, b...)
	} else {
		copy(a.buffer.Bytes()[a.offset:], b)
	}
	a.offset += len(b)
	a.hasher.Write(b)
	return nil
}

func (a *lockedAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.failed != nil:
		return "", "", a.failed
	case a.closed:
		return "", "", ErrAccumulatorClosed
	case a.overflow:
		a.wipe()
		return "", "", ErrAnswerTooLarge
	}

	var text string
	if a.heap != nil {
		text = string(a.heap)
	} else {
		if !a.buffer.IsAlive() {
			return "", "", a.fail()
		}
		text = string(a.buffer.Bytes()[:a.offset])
	}
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized locked accumulator", "accumulatorId", a.id, "bytes", len(text))
	return text, digest, nil
}

func (a *lockedAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.closed {
		a.wipe()
	}
}

func (a *lockedAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

func (a *lockedAccumulator) ID() string { return a.id }

// grow doubles the locked buffer until need fits. It reports false when
// the budget or the allocator refuses.
func (a *lockedAccumulator) grow(need int) bool {
	size := a.buffer.Size()
	for size < need {
		size *= 2
	}
	if size > AnswerBufferSize {
		size = AnswerBufferSize
	}

	next, reserved, err := allocateLocked(a.budget, size)
	if err != nil {
		slog.Debug("Locked answer buffer cannot grow", "accumulatorId", a.id, "error", err)
		return false
	}
	copy(next.Bytes(), a.buffer.Bytes()[:a.offset])
	a.releaseBuffer()
	a.buffer, a.reserved = next, reserved
	return true
}

// moveToHeap copies the answer to ordinary memory and frees the locked pages.
func (a *lockedAccumulator) moveToHeap() {
	heap := make([]byte, a.offset, 2*a.offset+4096)
	copy(heap, a.buffer.Bytes()[:a.offset])
	a.releaseBuffer()
	a.heap = heap
	slog.Warn("Answer moved out of locked memory", "accumulatorId", a.id, "bytes", a.offset)
}

// fail records that the locked pages were wiped by someone else.
func (a *lockedAccumulator) fail() error {
	a.failed = fmt.Errorf("%w: accumulator %s lost %d bytes", ErrAccumulatorDestroyed, a.id, a.offset)
	a.wipe()
	return a.failed
}

func (a *lockedAccumulator) releaseBuffer() {
	if a.buffer != nil {
		a.buffer.Destroy()
		a.buffer = nil
	}
	if a.reserved > 0 {
		a.budget.release(a.reserved)
		a.reserved = 0
	}
}

func (a *lockedAccumulator) wipe() {
	a.releaseBuffer()
	for i := range a.heap {
		a.heap[i] = 0
	}
	a.heap = nil
	a.closed = true
}

// =============================================================================
// Plain Implementation
// =============================================================================

type plainAccumulator struct {
	id       string
	mu       sync.Mutex
	data     []byte
	hasher   hash.Hash
	overflow bool
	closed   bool
}

func (a *plainAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrAccumulatorClosed
	}
	if a.overflow {
		return ErrAnswerTooLarge
	}
	if len(a.data)+len(fragment) > AnswerBufferSize {
		a.overflow = true
		return fmt.Errorf("%w: need %d bytes, have %d remaining", ErrAnswerTooLarge, len(fragment), AnswerBufferSize-len(a.data))
	}

	a.data = append(a.data, fragment...)
	a.hasher.Write([]byte(fragment))
	return nil
}

func (a *plainAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return "", "", ErrAccumulatorClosed
	}
	if a.overflow {
		a.wipe()
		return "", "", ErrAnswerTooLarge
	}

	text := string(a.data)
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return text, digest, nil
}

func (a *plainAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.closed {
		a.wipe()
	}
}

func (a *plainAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data)
}

func (a *plainAccumulator) ID() string { return a.id }

func (a *plainAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.closed = true
}

// =============================================================================
// mlock Limit
// =============================================================================

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if currentMlockLimitKB >= 0 {
			lockedMemory = newLockBudget(currentMlockLimitKB*1024 - MlockHeadroomBytes)
		}
		if mlockSufficient {
			slog.Info("Secure answer memory available", "mlock_limit_kb", currentMlockLimitKB)
		} else {
			slog.Warn("mlock limit below requirement",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
				"override", InsecureMemoryEnv+"=true",
			)
		}
	})
}

// checkMlockLimit reports whether RLIMIT_MEMLOCK is large enough.
// A limit that cannot be read is treated as sufficient.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var (
	_ Accumulator = (*lockedAccumulator)(nil)
	_ Accumulator = (*plainAccumulator)(nil)
)
