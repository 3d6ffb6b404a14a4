package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kolkov/cronsv/internal/logx"
)

func TestParseRestart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "daily at 04:30", expr: "30 4 * * *"},
		{name: "step and range", expr: "*/15 8-18 * * 1-5"},
		{name: "named month and dow", expr: "0 0 1 JAN SUN"},
		{name: "surrounding space", expr: "  0 3 * * *  "},
		{name: "sunday as seven", expr: "30 4 * * 7"},
		{name: "range ending at seven", expr: "0 0 * * 5-7"},
		{name: "named range ending at seven", expr: "0 0 * * FRI-7"},
		{name: "list with seven", expr: "0 0 * * 1,3,7"},
		{name: "dow out of range", expr: "0 0 * * 8", wantErr: true},
		{name: "empty", expr: "", wantErr: true},
		{name: "four fields", expr: "30 4 * *", wantErr: true},
		{name: "six fields", expr: "0 30 4 * * *", wantErr: true},
		{name: "descriptor", expr: "@daily", wantErr: true},
		{name: "minute out of range", expr: "60 4 * * *", wantErr: true},
		{name: "hour out of range", expr: "0 24 * * *", wantErr: true},
		{name: "garbage", expr: "a b c d e", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseRestart(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRestart(%q) err = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestParseRestartNext(t *testing.T) {
	t.Parallel()

	sched, err := ParseRestart("30 4 * * *")
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	want := time.Date(2026, 1, 1, 4, 30, 0, 0, time.UTC)
	if got := sched.Next(from); !got.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", from, got, want)
	}
	// Past today's slot rolls to tomorrow.
	from = time.Date(2026, 1, 1, 5, 0, 0, 0, time.UTC)
	want = time.Date(2026, 1, 2, 4, 30, 0, 0, time.UTC)
	if got := sched.Next(from); !got.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", from, got, want)
	}
}

func TestSundaySeven(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"*", "*"},
		{"7", "0"},
		{"0", "0"},
		{"1-5", "1-5"},
		{"5-7", "5-6,0"},
		{"7-7", "0"},
		{"1,3,7", "1,3,0"},
		{"1-7/2", "1-6/2,0"},
		{"2-7/2", "2-6/2"},
		{"fri-7", "fri-6,0"},
		{"*/2", "*/2"},
	}
	for _, tt := range tests {
		if got := sundaySeven(tt.in); got != tt.want {
			t.Errorf("sundaySeven(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSundaySevenFiresOnSunday(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{"30 4 * * 7", "30 4 * * 5-7"} {
		sched, err := ParseRestart(expr)
		if err != nil {
			t.Fatalf("ParseRestart(%q): %v", expr, err)
		}
		// 2026-03-02 is a Monday; the next matching slot is Friday or Sunday.
		from := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
		got := sched.Next(from)
		want := time.Sunday
		if expr == "30 4 * * 5-7" {
			want = time.Friday
		}
		if got.Weekday() != want || got.Hour() != 4 || got.Minute() != 30 {
			t.Errorf("%q: Next(%v) = %v", expr, from, got)
		}
	}

	sched, err := ParseRestart("30 4 * * 5-7")
	if err != nil {
		t.Fatal(err)
	}
	// From Saturday noon the next slot is Sunday.
	from := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	if got := sched.Next(from); got.Weekday() != time.Sunday {
		t.Errorf("Next(%v) = %v, want a Sunday", from, got)
	}
}

func TestSchedulerSetReplaceRemove(t *testing.T) {
	t.Parallel()

	s := New(time.UTC, logx.Nop())
	noop := func() {}

	if err := s.Set("bot", "30 4 * * *", noop); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("worker", "0 * * * *", noop); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("bad", "@hourly", noop); err == nil {
		t.Fatal("expected error for descriptor")
	}

	if diff := cmp.Diff([]string{"bot", "worker"}, s.Names()); diff != "" {
		t.Fatalf("Names mismatch (-want +got):\n%s", diff)
	}

	from := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if got, want := s.NextAfter("bot", from), time.Date(2026, 3, 11, 4, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("NextAfter(bot) = %v, want %v", got, want)
	}

	if err := s.Set("bot", "0 6 * * *", noop); err != nil {
		t.Fatal(err)
	}
	if got := s.Expr("bot"); got != "0 6 * * *" {
		t.Fatalf("Expr(bot) = %q after replace", got)
	}
	if got, want := s.NextAfter("bot", from), time.Date(2026, 3, 11, 6, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("NextAfter(bot) = %v, want %v", got, want)
	}
	if n := len(s.c.Entries()); n != 2 {
		t.Fatalf("cron entries = %d, want 2", n)
	}

	s.Remove("bot")
	s.Remove("missing")
	if !s.Next("bot").IsZero() {
		t.Fatal("Next for removed entry should be zero")
	}
	if diff := cmp.Diff([]string{"worker"}, s.Names()); diff != "" {
		t.Fatalf("Names mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedulerLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+3", 3*60*60)
	s := New(loc, logx.Nop())
	if err := s.Set("bot", "30 4 * * *", func() {}); err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) // 03:00 local
	want := time.Date(2026, 1, 1, 1, 30, 0, 0, time.UTC)
	if got := s.NextAfter("bot", from); !got.Equal(want) {
		t.Fatalf("NextAfter = %v, want %v", got, want)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	t.Parallel()

	s := New(nil, logx.Logger{})
	s.Start()
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)
}
