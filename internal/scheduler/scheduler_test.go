// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowctl/internal/clock"
	"github.com/tombee/flowctl/internal/scheduler"
	"github.com/tombee/flowctl/internal/store/memory"
)

func TestParseCron_StandardAndShortcuts(t *testing.T) {
	cases := []string{"*/15 * * * *", "0 9 * * 1-5", "@hourly", "@daily", "@every 90s", "5m", "2h"}
	for _, c := range cases {
		_, err := scheduler.ParseCron(c)
		assert.NoError(t, err, "expr %q should parse", c)
	}

	_, err := scheduler.ParseCron("not a cron")
	assert.Error(t, err)
}

func TestCronExpr_NextAdvancesPastFrom(t *testing.T) {
	expr, err := scheduler.ParseCron("*/5 * * * *")
	require.NoError(t, err)

	from := time.Date(2026, 1, 1, 10, 2, 0, 0, time.UTC)
	next := expr.Next(from)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC), next)
}

func TestCronExpr_EveryIsIntervalNotCalendarAligned(t *testing.T) {
	expr, err := scheduler.ParseCron("@every 90s")
	require.NoError(t, err)

	from := time.Date(2026, 1, 1, 10, 2, 17, 0, time.UTC)
	next := expr.Next(from)
	assert.Equal(t, from.Add(90*time.Second), next)
}

type recordingTrigger struct {
	mu    sync.Mutex
	fired []string
}

func (r *recordingTrigger) trigger(ctx context.Context, workflowID string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, workflowID)
	return nil
}

func (r *recordingTrigger) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.fired))
	copy(out, r.fired)
	return out
}

func TestScheduler_TickFiresDueScheduleAndAdvancesNextFire(t *testing.T) {
	st := memory.New()
	fc := clock.NewFake(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	rec := &recordingTrigger{}
	sched := scheduler.New(st, fc, rec.trigger)

	require.NoError(t, sched.RegisterSchedule(context.Background(), "wf-every-minute", "* * * * *"))

	// Not due yet at the registration instant.
	sched.Tick(context.Background(), fc.Now())
	assert.Empty(t, rec.snapshot())

	later := fc.Now().Add(time.Minute)
	sched.Tick(context.Background(), later)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"wf-every-minute"}, rec.snapshot())

	entries, err := st.ListDueSchedules(context.Background(), later)
	require.NoError(t, err)
	assert.Empty(t, entries, "schedule's next fire should have advanced past `later`")
}

func TestScheduler_ConcurrentTicksForSameInstantFireOnce(t *testing.T) {
	st := memory.New()
	fc := clock.NewFake(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	rec := &recordingTrigger{}
	sched := scheduler.New(st, fc, rec.trigger)

	require.NoError(t, sched.RegisterSchedule(context.Background(), "wf-once", "* * * * *"))
	due := fc.Now().Add(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Tick(context.Background(), due)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}
