package store

import (
	"context"
	"testing"
	"time"
)

func TestQueryLogsFiltersAndOrder(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	seed := []struct {
		level, category, msg string
	}{
		{LevelDebug, CategoryCommand, "DOD? ok"},
		{LevelError, CategoryTCP, "connect failed"},
		{LevelInfo, CategoryFTP, "downloaded Auto_0010"},
		{LevelError, CategoryFTP, "listing failed"},
	}
	for _, e := range seed {
		if err := s.AddLog(ctx, "unit-1", e.level, e.category, e.msg); err != nil {
			t.Fatalf("AddLog: %v", err)
		}
	}
	s.AddLog(ctx, "unit-2", LevelInfo, CategoryGeneral, "other unit")

	all, err := s.QueryLogs(ctx, "unit-1", LogFilter{})
	if err != nil {
		t.Fatalf("QueryLogs: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("entries = %d, want 4", len(all))
	}
	// Newest first.
	if all[0].Message != "listing failed" || all[3].Message != "DOD? ok" {
		t.Errorf("order wrong: first=%q last=%q", all[0].Message, all[3].Message)
	}

	errs, _ := s.QueryLogs(ctx, "unit-1", LogFilter{Level: LevelError})
	if len(errs) != 2 {
		t.Errorf("ERROR entries = %d, want 2", len(errs))
	}

	ftpErrs, _ := s.QueryLogs(ctx, "unit-1", LogFilter{Level: LevelError, Category: CategoryFTP})
	if len(ftpErrs) != 1 || ftpErrs[0].Message != "listing failed" {
		t.Errorf("ERROR+FTP entries = %+v", ftpErrs)
	}

	paged, _ := s.QueryLogs(ctx, "unit-1", LogFilter{Limit: 2, Offset: 1})
	if len(paged) != 2 || paged[0].Message != "downloaded Auto_0010" {
		t.Errorf("paged entries = %+v", paged)
	}
}

func TestLogStats(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	s.AddLog(ctx, "unit-1", LevelInfo, CategoryPoll, "a")
	s.AddLog(ctx, "unit-1", LevelInfo, CategoryFTP, "b")
	s.AddLog(ctx, "unit-1", LevelError, CategoryPoll, "c")

	stats, err := s.LogStatsFor(ctx, "unit-1")
	if err != nil {
		t.Fatalf("LogStatsFor: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.ByLevel[LevelInfo] != 2 || stats.ByLevel[LevelError] != 1 {
		t.Errorf("ByLevel = %v", stats.ByLevel)
	}
	if stats.ByCategory[CategoryPoll] != 2 || stats.ByCategory[CategoryFTP] != 1 {
		t.Errorf("ByCategory = %v", stats.ByCategory)
	}
	if stats.Oldest == nil || stats.Newest == nil || stats.Newest.Before(*stats.Oldest) {
		t.Errorf("span = %v..%v", stats.Oldest, stats.Newest)
	}
}

func TestLogStatsEmpty(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	stats, err := s.LogStatsFor(context.Background(), "unit-1")
	if err != nil {
		t.Fatalf("LogStatsFor: %v", err)
	}
	if stats.Total != 0 || stats.Oldest != nil || stats.Newest != nil {
		t.Errorf("stats = %+v, want empty", stats)
	}
}

func TestPurgeLogs(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	s.AddLog(ctx, "unit-1", LevelInfo, CategoryGeneral, "recent")

	// Nothing is older than a cutoff in the past.
	n, err := s.PurgeLogs(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PurgeLogs: %v", err)
	}
	if n != 0 {
		t.Errorf("purged %d rows, want 0", n)
	}

	// Everything is older than a cutoff in the future.
	n, err = s.PurgeLogs(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PurgeLogs: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d rows, want 1", n)
	}

	left, _ := s.QueryLogs(ctx, "unit-1", LogFilter{})
	if len(left) != 0 {
		t.Errorf("rows remain after purge: %v", left)
	}
}

func TestDeviceEventSink(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	// The sink interface variant must persist a row.
	s.DeviceEvent("unit-1", LevelWarning, CategoryTCP, "stream quiet period expired")

	logs, err := s.QueryLogs(context.Background(), "unit-1", LogFilter{})
	if err != nil {
		t.Fatalf("QueryLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Level != LevelWarning || logs[0].Category != CategoryTCP {
		t.Errorf("logs = %+v", logs)
	}
}
