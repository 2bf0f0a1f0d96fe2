package cron

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSpec(t *testing.T) {
	tests := []struct {
		schedule, tz string
		want         string
		wantErr      bool
	}{
		{"0 9 * * *", "UTC", "CRON_TZ=UTC 0 9 * * *", false},
		{"*/5 * * * *", "America/New_York", "CRON_TZ=America/New_York */5 * * * *", false},
		{"@every 1s", "Europe/Berlin", "CRON_TZ=Europe/Berlin @every 1s", false},
		{"0 9 * * *", "Mars/Olympus", "", true},
		{"", "UTC", "", true},
		{"CRON_TZ=UTC 0 9 * * *", "UTC", "", true},
	}
	for _, tc := range tests {
		got, err := Spec(tc.schedule, tc.tz)
		if (err != nil) != tc.wantErr {
			t.Errorf("Spec(%q, %q) error = %v, wantErr %v", tc.schedule, tc.tz, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("Spec(%q, %q) = %q, want %q", tc.schedule, tc.tz, got, tc.want)
		}
	}
}

func TestAddReplaceRemove(t *testing.T) {
	svc := NewService()

	if err := svc.Add(Job{Name: "a.json", Schedule: "0 * * * *", Timezone: "UTC"}, func() {}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := svc.Add(Job{Name: "a.json", Schedule: "30 * * * *", Timezone: "UTC"}, func() {}); err != nil {
		t.Fatalf("Add replace: %v", err)
	}
	jobs := svc.ListJobs()
	if len(jobs) != 1 || jobs[0].Schedule != "30 * * * *" {
		t.Fatalf("expected replaced job, got %+v", jobs)
	}

	if err := svc.Add(Job{Name: "b.json", Schedule: "not a cron", Timezone: "UTC"}, func() {}); err == nil {
		t.Fatal("expected error for invalid expression")
	} else if !strings.Contains(err.Error(), "invalid schedule") {
		t.Errorf("unexpected error %v", err)
	}

	if !svc.Remove("a.json") {
		t.Fatal("Remove returned false for a registered job")
	}
	if svc.Remove("a.json") {
		t.Fatal("Remove returned true for a removed job")
	}
	if _, ok := svc.Next("a.json"); ok {
		t.Error("Next should miss removed job")
	}
}

func TestJobFires(t *testing.T) {
	svc := NewService()
	var fired atomic.Int32
	if err := svc.Add(Job{Name: "tick.json", Schedule: "@every 1s", Timezone: "UTC"}, func() { fired.Add(1) }); err != nil {
		t.Fatal(err)
	}
	svc.Start()

	next, ok := svc.Next("tick.json")
	if !ok || next.IsZero() {
		t.Errorf("expected a next activation, got %v", next)
	}

	deadline := time.Now().Add(3 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if fired.Load() == 0 {
		t.Fatal("job never fired")
	}
}
