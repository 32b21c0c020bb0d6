package timespec

import (
	"fmt"
	"strconv"
	"time"
)

// Parse parses a time specification into a Unix timestamp (milliseconds).
// Supports:
//   - Unix milliseconds: "1730000000000"
//   - Go duration format: "1h", "30m", "1h30m", "2h45m30s" (that long ago)
//   - RFC3339 timestamps: "2025-10-29T13:00:00Z"
//   - "now"
func Parse(spec string) (int64, error) {
	return parseAt(spec, time.Now())
}

func parseAt(spec string, now time.Time) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}
	if spec == "now" {
		return now.UnixMilli(), nil
	}

	if ms, err := strconv.ParseInt(spec, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("timestamp must not be negative: %s", spec)
		}
		return ms, nil
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		return now.Add(-d).UnixMilli(), nil
	}

	return 0, fmt.Errorf("invalid time specification: %s (use unix ms, a duration like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}

// ParseRange parses --since and --until into a history range.
// An empty since means "from the beginning" (0); an empty until means "up to now" (nil).
// since is exclusive and until inclusive, so since must be before until.
func ParseRange(since, until string) (int64, *int64, error) {
	return parseRangeAt(since, until, time.Now())
}

func parseRangeAt(since, until string, now time.Time) (int64, *int64, error) {
	var sinceMS int64
	var untilMS *int64

	if since != "" {
		v, err := parseAt(since, now)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid --since: %w", err)
		}
		sinceMS = v
	}

	if until != "" {
		v, err := parseAt(until, now)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid --until: %w", err)
		}
		untilMS = &v
	}

	if untilMS != nil && sinceMS >= *untilMS {
		return 0, nil, fmt.Errorf("--since must be before --until")
	}

	return sinceMS, untilMS, nil
}
