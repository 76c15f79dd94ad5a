package batch

import (
	"testing"
	"time"
)

func TestNewSchedulerValidatesCron(t *testing.T) {
	_, err := NewScheduler([]Schedule{
		{Batch: "tidy-2026", Cron: "0 22 * * *", Action: "publish"},
		{Batch: "tidy-2026", Cron: "*/5 * * * *", Action: "status"},
	}, nil)
	if err != nil {
		t.Fatalf("valid schedules rejected: %v", err)
	}

	_, err = NewScheduler([]Schedule{
		{Batch: "tidy-2026", Cron: "not a cron", Action: "status"},
	}, nil)
	if err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

func TestSchedulerDue(t *testing.T) {
	sched := Schedule{Batch: "b", Cron: "* * * * *", Action: "status"}
	s, err := NewScheduler([]Schedule{sched}, nil)
	if err != nil {
		t.Fatal(err)
	}

	s.lastRun[key(sched)] = time.Now().Add(-2 * time.Minute)
	if !s.due(sched, time.Now()) {
		t.Error("should be due after the cron interval passed")
	}

	s.lastRun[key(sched)] = time.Now()
	if s.due(sched, time.Now()) {
		t.Error("should not be due immediately after a run")
	}
}

func TestSchedulerSkipsRunning(t *testing.T) {
	sched := Schedule{Batch: "b", Cron: "* * * * *", Action: "publish"}
	s, err := NewScheduler([]Schedule{sched}, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.lastRun[key(sched)] = time.Now().Add(-time.Hour)
	s.markRunning(key(sched))
	if s.due(sched, time.Now()) {
		t.Error("a running schedule must not be due again")
	}
	s.markDone(key(sched))
	if s.due(sched, time.Now()) {
		t.Error("markDone should reset lastRun to now")
	}
}
