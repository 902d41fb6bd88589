package pattern

import (
	"sync"
	"time"
)

const (
	counterBuckets = 10
	bucketLayout   = "15:04"
)

type bucket struct {
	minute  time.Time
	label   string
	success int
	fail    int
}

// Counter 记录最近 10 分钟每分钟的成功/失败次数，只用于状态展示。
// 超出窗口的分钟会被丢弃，每个 Counter 属于一个 pattern，互不共享。
type Counter struct {
	mu      sync.Mutex
	buckets []bucket // 按时间顺序，最旧的在前
}

func NewCounter() *Counter {
	return &Counter{}
}

// current 返回 now 所在分钟的桶，不存在时按时间顺序插入。
// 早于窗口内最旧一分钟的记录在窗口已满时返回 nil。
func (c *Counter) current(now time.Time) *bucket {
	minute := now.Truncate(time.Minute)
	i := len(c.buckets)
	for i > 0 && c.buckets[i-1].minute.After(minute) {
		i--
	}
	if i > 0 && c.buckets[i-1].minute.Equal(minute) {
		return &c.buckets[i-1]
	}
	if i == 0 && len(c.buckets) >= counterBuckets {
		return nil
	}
	c.buckets = append(c.buckets, bucket{})
	copy(c.buckets[i+1:], c.buckets[i:])
	c.buckets[i] = bucket{minute: minute, label: now.Format(bucketLayout)}
	if len(c.buckets) > counterBuckets {
		drop := len(c.buckets) - counterBuckets
		c.buckets = c.buckets[drop:]
		i -= drop
	}
	return &c.buckets[i]
}

// Record 在 now 所在的分钟里记一次结果。
func (c *Counter) Record(now time.Time, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.current(now)
	if b == nil {
		return
	}
	if success {
		b.success++
	} else {
		b.fail++
	}
}

// Point 是成功率序列中的一个点。
type Point struct {
	Minute  string  `json:"minute"`
	Rate    float64 `json:"rate"` // 百分比
	Success int     `json:"success"`
	Fail    int     `json:"fail"`
}

// Series 返回窗口内每个有记录的分钟的成功率。
func (c *Counter) Series() []Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	points := make([]Point, 0, len(c.buckets))
	for _, b := range c.buckets {
		p := Point{Minute: b.label, Success: b.success, Fail: b.fail}
		if total := b.success + b.fail; total > 0 {
			p.Rate = float64(b.success) * 100 / float64(total)
		}
		points = append(points, p)
	}
	return points
}

// Reset 清空所有分钟桶。
func (c *Counter) Reset() {
	c.mu.Lock()
	c.buckets = nil
	c.mu.Unlock()
}
