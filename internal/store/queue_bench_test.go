package store

import (
	"testing"
	"time"
)

func BenchmarkQueueScore(b *testing.B) {
	now := time.Now()
	cases := []struct {
		name     string
		priority int
		ts       time.Time
	}{
		{"Default", 0, now},
		{"Mid", 5, now},
		{"Top", 100, now},
		{"ClampedLow", -3, now},
		{"ClampedHigh", 400, now},
		{"Old", 8, now.Add(-24 * time.Hour)},
	}
	for _, c := range cases {
		b.Run(c.name, func(b *testing.B) {
			b.ReportAllocs()
			var sink float64
			for i := 0; i < b.N; i++ {
				sink = QueueScore(c.priority, c.ts)
			}
			_ = sink
		})
	}
}
