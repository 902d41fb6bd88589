package pattern

import (
	"testing"
	"time"
)

func TestCounter_SeriesAndWindow(t *testing.T) {
	c := NewCounter()
	base := time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)

	c.Record(base, true)
	c.Record(base, true)
	c.Record(base, false)
	c.Record(base.Add(10*time.Second), true)

	s := c.Series()
	if len(s) != 1 {
		t.Fatalf("Expected 1 bucket, got %d", len(s))
	}
	if s[0].Minute != "10:00" || s[0].Success != 3 || s[0].Fail != 1 {
		t.Errorf("Unexpected bucket: %+v", s[0])
	}
	if s[0].Rate != 75 {
		t.Errorf("Expected rate 75, got %v", s[0].Rate)
	}

	for i := 1; i <= 12; i++ {
		c.Record(base.Add(time.Duration(i)*time.Minute), false)
	}
	s = c.Series()
	if len(s) != counterBuckets {
		t.Fatalf("Expected %d buckets, got %d", counterBuckets, len(s))
	}
	if s[0].Minute != "10:03" || s[len(s)-1].Minute != "10:12" {
		t.Errorf("Expected window 10:03..10:12, got %s..%s", s[0].Minute, s[len(s)-1].Minute)
	}
	if s[0].Rate != 0 {
		t.Errorf("Expected rate 0 for failures only, got %v", s[0].Rate)
	}

	c.Reset()
	if len(c.Series()) != 0 {
		t.Error("Expected empty series after Reset")
	}
}

func TestCounter_OutOfOrderRecords(t *testing.T) {
	c := NewCounter()
	base := time.Date(2024, 1, 1, 10, 0, 59, 0, time.UTC)

	// 跨分钟边界的两次记录以相反顺序到达
	c.Record(base.Add(2*time.Second), true)
	c.Record(base, false)
	c.Record(base.Add(3*time.Second), true)
	c.Record(base.Add(-time.Second), true)

	s := c.Series()
	if len(s) != 2 {
		t.Fatalf("Expected 2 buckets, but got %d: %+v", len(s), s)
	}
	if s[0].Minute != "10:00" || s[0].Success != 1 || s[0].Fail != 1 {
		t.Errorf("Unexpected first bucket: %+v", s[0])
	}
	if s[1].Minute != "10:01" || s[1].Success != 2 || s[1].Fail != 0 {
		t.Errorf("Unexpected second bucket: %+v", s[1])
	}

	for i := 2; i <= 10; i++ {
		c.Record(base.Add(time.Duration(i)*time.Minute), true)
	}
	if got := c.Series(); len(got) != counterBuckets || got[0].Minute != "10:01" {
		t.Fatalf("Expected window 10:01..10:10, got %+v", got)
	}
	// 早于窗口的迟到记录被丢弃
	c.Record(base, false)
	if got := c.Series(); len(got) != counterBuckets || got[0].Minute != "10:01" {
		t.Errorf("Expected a late record before the window to be dropped, got %+v", got)
	}
	// 窗口内的迟到记录落回原来的桶
	c.Record(base.Add(5*time.Minute), false)
	for _, p := range c.Series() {
		if p.Minute == "10:05" && p.Fail != 1 {
			t.Errorf("Expected the late record counted in 10:05, got %+v", p)
		}
	}
}
