package artifact

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// versionLayout is the second-resolution part of a version timestamp; the
// microsecond field is appended separately since time.Format only accepts
// fractional seconds after a dot or comma.
const versionLayout = "2006_01_02_15_04_05"

// FormatVersion renders t as a version timestamp such as
// "2024_05_01_10_00_00_123456".
func FormatVersion(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s_%06d", t.Format(versionLayout), t.Nanosecond()/int(time.Microsecond))
}

// NextVersion returns a version for now that sorts strictly after prev. When
// the clock does not move past prev (same microsecond, or a clock that went
// backwards) a "-NNNN" counter is appended to prev's timestamp instead.
func NextVersion(now time.Time, prev string) string {
	v := FormatVersion(now)
	if prev == "" || v > prev {
		return v
	}
	base, n := splitVersion(prev)
	return fmt.Sprintf("%s-%04d", base, n+1)
}

func splitVersion(v string) (string, int) {
	i := strings.LastIndex(v, "-")
	if i < 0 {
		return v, 0
	}
	n, err := strconv.Atoi(v[i+1:])
	if err != nil {
		return v, 0
	}
	return v[:i], n
}
