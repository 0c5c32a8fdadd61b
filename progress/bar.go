package progress

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

type bucket struct {
	updated time.Time
	value   int64
}

// Bar renders one line of synthesis progress: percent complete, a fill
// bar and a frame tally with the recent rate.
type Bar struct {
	message      string
	messageWidth int

	maxValue     int64
	initialValue int64
	currentValue int64

	buckets    []bucket
	maxBuckets int

	started time.Time
	stopped time.Time
}

func NewBar(message string, maxValue, initialValue int64) *Bar {
	b := Bar{
		message:      message,
		messageWidth: -1,
		maxValue:     maxValue,
		initialValue: initialValue,
		currentValue: initialValue,
		started:      time.Now(),
		maxBuckets:   10,
	}

	if initialValue >= maxValue {
		b.stopped = time.Now()
	}

	return &b
}

// formatDuration limits the rendering of a time.Duration to 2 units
func formatDuration(d time.Duration) string {
	if d >= 100*time.Hour {
		return "99h+"
	}

	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}

	return d.Round(time.Second).String()
}

func (b *Bar) String() string {
	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termWidth = 80
	}

	var pre strings.Builder
	if len(b.message) > 0 {
		message := strings.TrimSpace(b.message)
		if b.messageWidth > 0 && len(message) > b.messageWidth {
			message = message[:b.messageWidth]
		}

		fmt.Fprintf(&pre, "%s", message)
		if padding := b.messageWidth - pre.Len(); padding > 0 {
			pre.WriteString(repeat(" ", padding))
		}

		pre.WriteString(" ")
	}

	fmt.Fprintf(&pre, "%3.0f%%", b.percent())

	var suf strings.Builder
	fmt.Fprintf(&suf, " (%d/%d frames", b.currentValue, b.maxValue)

	rate := b.rate()
	if b.stopped.IsZero() && rate > 0 {
		fmt.Fprintf(&suf, ", %0.1f f/s", rate)
		if remaining := float64(b.maxValue-b.currentValue) / rate; remaining > 0 {
			fmt.Fprintf(&suf, ", %s left", formatDuration(time.Duration(remaining)*time.Second))
		}
	}

	suf.WriteString(")")

	mid := " "
	if f := termWidth - pre.Len() - suf.Len() - 2; f > 0 {
		n := int(float64(f) * b.percent() / 100)
		mid = "▕" + repeat("█", n) + repeat(" ", f-n) + "▏"
	}

	return pre.String() + mid + suf.String()
}

func (b *Bar) Set(value int64) {
	if value >= b.maxValue {
		value = b.maxValue
		if b.stopped.IsZero() {
			b.stopped = time.Now()
		}
	}

	b.currentValue = value

	// Buckets sample the recent rate. Cap how often one is cut so rapid
	// updates do not crowd out the window.
	now := time.Now()
	if len(b.buckets) == 0 || now.Sub(b.buckets[len(b.buckets)-1].updated) > time.Second/2 {
		b.buckets = append(b.buckets, bucket{updated: now, value: value})
	}

	if len(b.buckets) > b.maxBuckets {
		b.buckets = b.buckets[len(b.buckets)-b.maxBuckets:]
	}
}

// rate reports frames per second: over the whole run once the bar has
// stopped, over the recent bucket window while it is running.
func (b *Bar) rate() float64 {
	if !b.stopped.IsZero() {
		if elapsed := b.stopped.Sub(b.started).Seconds(); elapsed > 0 {
			return float64(b.currentValue-b.initialValue) / elapsed
		}

		return 0
	}

	if len(b.buckets) >= 2 {
		first, last := b.buckets[0], b.buckets[len(b.buckets)-1]
		if elapsed := last.updated.Sub(first.updated).Seconds(); elapsed > 0 {
			return float64(last.value-first.value) / elapsed
		}
	}

	return 0
}

func (b *Bar) percent() float64 {
	if b.maxValue > 0 {
		return float64(b.currentValue) / float64(b.maxValue) * 100
	}

	return 0
}

func repeat(s string, n int) string {
	if n > 0 {
		return strings.Repeat(s, n)
	}

	return ""
}
