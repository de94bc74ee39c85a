package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"yqhp/task-scheduler/internal/executor"
	"yqhp/task-scheduler/internal/metrics"
	"yqhp/task-scheduler/internal/store"
	"yqhp/task-scheduler/pkg/types"
)

// TestAtMostOneLiveAssignmentProperty: no matter how many concurrent
// Track calls race for the same instance, exactly one wins and the
// instance never has more than one live assignment.
func TestAtMostOneLiveAssignmentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("at most one live assignment per instance", prop.ForAll(
		func(contenders int) bool {
			st := store.NewMemoryStore()
			registry := executor.NewRegistry()
			registry.MustRegister(newFakeExecutor("fake"))
			rec := New(st, registry, metrics.NewCollector(), 30*time.Second)

			key := types.InstanceKey{RunID: "run-1", TaskID: "extract", TryNumber: 1}

			var wg sync.WaitGroup
			wins := make(chan string, contenders)
			for i := 0; i < contenders; i++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					err := rec.Track(&types.Assignment{
						Key:       key,
						Executor:  fmt.Sprintf("exec-%d", id),
						CreatedAt: time.Now(),
					})
					if err == nil {
						wins <- fmt.Sprintf("exec-%d", id)
					}
				}(i)
			}
			wg.Wait()
			close(wins)

			var winners []string
			for w := range wins {
				winners = append(winners, w)
			}
			if len(winners) != 1 {
				return false
			}

			a, ok := rec.AssignmentFor(key)
			return ok && a.Executor == winners[0] && rec.LiveAssignments() == 1
		},
		gen.IntRange(1, 16),
	))

	properties.TestingRun(t)
}

// TestOrphanMarkedOnceProperty: across any number of detection passes,
// each stale instance is failed exactly once and fresh instances are
// never touched.
func TestOrphanMarkedOnceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		staleCount := rapid.IntRange(0, 5).Draw(t, "staleCount")
		freshCount := rapid.IntRange(0, 5).Draw(t, "freshCount")
		passes := rapid.IntRange(1, 6).Draw(t, "passes")

		ctx := context.Background()
		st := store.NewMemoryStore()
		registry := executor.NewRegistry()
		registry.MustRegister(newFakeExecutor("fake"))
		rec := New(st, registry, metrics.NewCollector(), 30*time.Second)

		marked := make(map[types.InstanceKey]int)
		var mu sync.Mutex
		rec.Subscribe(func(sc types.StateChange) {
			mu.Lock()
			marked[sc.Key]++
			mu.Unlock()
		})

		require.NoError(t, st.CreateRun(ctx, &types.DagRun{
			ID:        "run-1",
			DagID:     "dag-1",
			State:     types.RunStateRunning,
			StartedAt: time.Now(),
		}))

		staleAt := time.Now().Add(-time.Minute)
		freshAt := time.Now()
		var staleKeys, freshKeys []types.InstanceKey
		for i := 0; i < staleCount; i++ {
			ti := &types.TaskInstance{
				RunID:         "run-1",
				DagID:         "dag-1",
				TaskID:        fmt.Sprintf("stale-%d", i),
				TryNumber:     1,
				State:         types.TaskStateRunning,
				StartedAt:     &staleAt,
				LastHeartbeat: &staleAt,
			}
			require.NoError(t, st.CreateInstance(ctx, ti))
			staleKeys = append(staleKeys, ti.Key())
		}
		for i := 0; i < freshCount; i++ {
			ti := &types.TaskInstance{
				RunID:         "run-1",
				DagID:         "dag-1",
				TaskID:        fmt.Sprintf("fresh-%d", i),
				TryNumber:     1,
				State:         types.TaskStateRunning,
				StartedAt:     &freshAt,
				LastHeartbeat: &freshAt,
			}
			require.NoError(t, st.CreateInstance(ctx, ti))
			freshKeys = append(freshKeys, ti.Key())
		}

		for i := 0; i < passes; i++ {
			require.NoError(t, rec.DetectOrphans(ctx))
		}

		for _, key := range staleKeys {
			if marked[key] != 1 {
				t.Fatalf("stale instance %s marked %d times, want exactly 1", key, marked[key])
			}
			ti, err := st.GetInstance(ctx, key)
			require.NoError(t, err)
			if ti.State != types.TaskStateFailed {
				t.Fatalf("stale instance %s in state %s, want failed", key, ti.State)
			}
		}
		for _, key := range freshKeys {
			if marked[key] != 0 {
				t.Fatalf("fresh instance %s was marked %d times", key, marked[key])
			}
			ti, err := st.GetInstance(ctx, key)
			require.NoError(t, err)
			if ti.State != types.TaskStateRunning {
				t.Fatalf("fresh instance %s in state %s, want running", key, ti.State)
			}
		}
	})
}
