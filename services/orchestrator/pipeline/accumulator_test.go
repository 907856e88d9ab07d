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
	"strings"
	"sync"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// accumulatorsUnderTest returns the plain accumulator and, when the host
// allows it, the default one.
func accumulatorsUnderTest(t *testing.T) map[string]func() Accumulator {
	t.Helper()

	return map[string]func() Accumulator{
		"plain": NewPlainAccumulator,
		"default": func() Accumulator {
			acc, err := DefaultAccumulatorFactory()
			require.NoError(t, err)
			return acc
		},
	}
}

func TestAccumulator_WriteAndFinalize(t *testing.T) {
	for name, newAcc := range accumulatorsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			acc := newAcc()
			defer acc.Destroy()

			require.NoError(t, acc.Write("Hi"))
			require.NoError(t, acc.Write(" there"))
			require.NoError(t, acc.Write(""))
			assert.Equal(t, len("Hi there"), acc.Len())

			text, digest, err := acc.Finalize()

			require.NoError(t, err)
			assert.Equal(t, "Hi there", text)
			sum := sha256.Sum256([]byte("Hi there"))
			assert.Equal(t, hex.EncodeToString(sum[:]), digest)
		})
	}
}

func TestAccumulator_Unicode(t *testing.T) {
	for name, newAcc := range accumulatorsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			acc := newAcc()
			defer acc.Destroy()

			for _, f := range []string{"Привет", " 世界", " 🌍"} {
				require.NoError(t, acc.Write(f))
			}

			text, _, err := acc.Finalize()

			require.NoError(t, err)
			assert.Equal(t, "Привет 世界 🌍", text)
		})
	}
}

func TestAccumulator_ClosedAfterFinalize(t *testing.T) {
	for name, newAcc := range accumulatorsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			acc := newAcc()
			_, _, err := acc.Finalize()
			require.NoError(t, err)

			assert.ErrorIs(t, acc.Write("late"), ErrAccumulatorClosed)
			_, _, err = acc.Finalize()
			assert.ErrorIs(t, err, ErrAccumulatorClosed)
			assert.NotPanics(t, acc.Destroy)
		})
	}
}

func TestAccumulator_DestroyIsIdempotent(t *testing.T) {
	for name, newAcc := range accumulatorsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			acc := newAcc()
			require.NoError(t, acc.Write("secret"))

			acc.Destroy()
			acc.Destroy()

			assert.ErrorIs(t, acc.Write("more"), ErrAccumulatorClosed)
		})
	}
}

func TestAccumulator_Overflow(t *testing.T) {
	for name, newAcc := range accumulatorsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			acc := newAcc()
			defer acc.Destroy()

			require.NoError(t, acc.Write(strings.Repeat("x", AnswerBufferSize-1)))
			assert.ErrorIs(t, acc.Write("yy"), ErrAnswerTooLarge)
			assert.ErrorIs(t, acc.Write("z"), ErrAnswerTooLarge)

			_, _, err := acc.Finalize()
			assert.ErrorIs(t, err, ErrAnswerTooLarge)
		})
	}
}

func TestAccumulator_ConcurrentWrites(t *testing.T) {
	acc := NewPlainAccumulator()
	defer acc.Destroy()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = acc.Write("ab")
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, acc.Len())
}

func TestAccumulator_IDsAreUniqueUUIDs(t *testing.T) {
	a, b := NewPlainAccumulator(), NewPlainAccumulator()

	_, err := uuid.Parse(a.ID())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestCheckMlockLimit_IsStable(t *testing.T) {
	ok1, limit1 := checkMlockLimit()
	ok2, limit2 := checkMlockLimit()

	assert.Equal(t, ok1, ok2)
	assert.Equal(t, limit1, limit2)
}

// =============================================================================
// Locked Memory Budget Tests
// =============================================================================

// newLockedOrSkip allocates a locked accumulator against budget, skipping
// when the host cannot lock memory at all.
func newLockedOrSkip(t *testing.T, budget *lockBudget) *lockedAccumulator {
	t.Helper()

	acc, err := newLockedAccumulator(budget)
	if err != nil {
		t.Skipf("locked memory unavailable on this host: %v", err)
	}
	return acc
}

func TestLockBudget_ReserveAndRelease(t *testing.T) {
	b := newLockBudget(100)

	assert.True(t, b.reserve(60))
	assert.False(t, b.reserve(41))
	assert.True(t, b.reserve(40))
	assert.Equal(t, int64(100), b.used())

	b.release(60)
	b.release(100)
	assert.Equal(t, int64(0), b.used())
}

func TestLockBudget_UnlimitedNeverRefuses(t *testing.T) {
	b := newLockBudget(-1)

	assert.True(t, b.reserve(1<<40))
}

func TestLockedAccumulator_BudgetExhaustedReturnsErrorWithoutPanic(t *testing.T) {
	budget := newLockBudget(lockedBytes(LockedInitialSize))
	first := newLockedOrSkip(t, budget)
	defer first.Destroy()

	var second *lockedAccumulator
	var err error
	require.NotPanics(t, func() { second, err = newLockedAccumulator(budget) })

	assert.ErrorIs(t, err, ErrLockedMemoryExhausted)
	assert.Nil(t, second)

	require.NoError(t, first.Write("Hi"))
	_, _, err = first.Finalize()
	require.NoError(t, err)
	assert.Equal(t, int64(0), budget.used())

	third, err := newLockedAccumulator(budget)
	require.NoError(t, err)
	third.Destroy()
}

func TestLockedAccumulator_GrowsWithinBudget(t *testing.T) {
	acc := newLockedOrSkip(t, newLockBudget(-1))
	defer acc.Destroy()

	big := strings.Repeat("g", LockedInitialSize+10)
	require.NoError(t, acc.Write(big))

	assert.Nil(t, acc.heap)
	assert.Equal(t, 2*LockedInitialSize, acc.buffer.Size())

	text, digest, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, big, text)
	sum := sha256.Sum256([]byte(big))
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)
}

func TestLockedAccumulator_RefusedGrowthMovesToHeap(t *testing.T) {
	budget := newLockBudget(lockedBytes(LockedInitialSize))
	acc := newLockedOrSkip(t, budget)
	defer acc.Destroy()

	require.NoError(t, acc.Write("Hi "))
	big := strings.Repeat("h", LockedInitialSize)
	require.NoError(t, acc.Write(big))
	require.NoError(t, acc.Write(" end"))

	assert.NotNil(t, acc.heap)
	assert.Equal(t, int64(0), budget.used())

	text, digest, err := acc.Finalize()
	require.NoError(t, err)
	want := "Hi " + big + " end"
	assert.Equal(t, want, text)
	sum := sha256.Sum256([]byte(want))
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)
}

func TestLockedAccumulator_PurgedBufferFailsInsteadOfPanicking(t *testing.T) {
	budget := newLockBudget(-1)
	acc := newLockedOrSkip(t, budget)
	defer acc.Destroy()

	require.NoError(t, acc.Write("Hi"))
	memguard.Purge()

	var err error
	require.NotPanics(t, func() { err = acc.Write(" there") })
	assert.ErrorIs(t, err, ErrAccumulatorDestroyed)

	_, _, err = acc.Finalize()
	assert.ErrorIs(t, err, ErrAccumulatorDestroyed)
	assert.ErrorIs(t, acc.Write("again"), ErrAccumulatorDestroyed)
	assert.Equal(t, int64(0), budget.used())
	assert.NotPanics(t, acc.Destroy)
}

func TestLockedAccumulator_PurgedBeforeFinalize(t *testing.T) {
	acc := newLockedOrSkip(t, newLockBudget(-1))
	defer acc.Destroy()

	require.NoError(t, acc.Write("Hi"))
	memguard.Purge()

	var err error
	require.NotPanics(t, func() { _, _, err = acc.Finalize() })
	assert.ErrorIs(t, err, ErrAccumulatorDestroyed)
}

func TestDefaultAccumulatorFactory_FallsBackWhenBudgetExhausted(t *testing.T) {
	initMemguard()
	if !mlockSufficient {
		t.Skip("mlock limit too low for locked answers on this host")
	}

	saved := lockedMemory
	lockedMemory = newLockBudget(0)
	defer func() { lockedMemory = saved }()

	acc, err := DefaultAccumulatorFactory()

	require.NoError(t, err)
	assert.IsType(t, &plainAccumulator{}, acc)
	acc.Destroy()
}
