package format

import (
	"fmt"
	"strings"
	"time"
)

// HumanDuration renders a duration as hours, minutes and seconds,
// falling back to milliseconds below one second.
func HumanDuration(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms == 1 {
			return "1 millisecond"
		}
		return fmt.Sprintf("%d milliseconds", ms)
	}

	d = d.Round(time.Second)

	var b strings.Builder
	if h := int(d.Hours()); h > 0 {
		fmt.Fprintf(&b, "%d %s ", h, plural("hour", h))
	}
	if m := int(d.Minutes()) % 60; m > 0 {
		fmt.Fprintf(&b, "%d %s ", m, plural("minute", m))
	}
	if s := int(d.Seconds()) % 60; s > 0 {
		fmt.Fprintf(&b, "%d %s ", s, plural("second", s))
	}

	return strings.TrimSpace(b.String())
}

func plural(unit string, n int) string {
	if n == 1 {
		return unit
	}

	return unit + "s"
}
