package parallel_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Archiver/internal/parallel"
)

func sleep(ctx context.Context, d time.Duration) (int, error) {
	select {
	case <-time.After(d):
		return int(d / time.Second), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestMap(t *testing.T) {
	t.Parallel()

	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

	type then struct {
		elapsed time.Duration
		done    []int
	}
	var testCases = []struct {
		scenario string
		limit    int
		timeout  time.Duration
		then     then
	}{
		{"limit 1", 1, 0, then{18 * time.Second, []int{1, 2, 5, 10}}},
		{"limit 10", 10, 0, then{10 * time.Second, []int{1, 2, 5, 10}}},
		{"limit 0 means 1", 0, 0, then{18 * time.Second, []int{1, 2, 5, 10}}},
		{"limit 1, cancel 1.5s", 1, 1500 * time.Millisecond, then{1500 * time.Millisecond, []int{1}}},
		{"limit 10, cancel 6s", 10, 6 * time.Second, then{6 * time.Second, []int{1, 2, 5}}},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				ctx := t.Context()
				if tc.timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, tc.timeout)
					t.Cleanup(cancel)
				}
				start := time.Now()
				var done []int
				for r := range parallel.Map(ctx, tc.limit, slices.Values(input), sleep) {
					if r.Err != nil {
						require.ErrorIs(t, r.Err, context.DeadlineExceeded)
						continue
					}
					require.Equal(t, int(r.In/time.Second), r.Out)
					done = append(done, r.Out)
				}
				require.ElementsMatch(t, tc.then.done, done)
				require.Equal(t, tc.then.elapsed, time.Since(start))
			})
		})
	}
}

func TestMapErrors(t *testing.T) {
	t.Parallel()
	errOdd := errors.New("odd")
	f := func(_ context.Context, n int) (int, error) {
		if n%2 == 1 {
			return 0, errOdd
		}
		return n * n, nil
	}

	got := map[int]error{}
	for r := range parallel.Map(t.Context(), 2, slices.Values([]int{1, 2, 3, 4}), f) {
		got[r.In] = r.Err
	}
	require.Len(t, got, 4)
	require.ErrorIs(t, got[1], errOdd)
	require.NoError(t, got[2])
	require.ErrorIs(t, got[3], errOdd)
	require.NoError(t, got[4])
}

func TestMapBreak(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		input := []time.Duration{1 * time.Second, time.Hour, time.Hour}
		start := time.Now()
		for r := range parallel.Map(t.Context(), 3, slices.Values(input), sleep) {
			require.Equal(t, 1, r.Out)
			break
		}
		// the hour long calls were cancelled
		require.Equal(t, time.Second, time.Since(start))
	})
}
