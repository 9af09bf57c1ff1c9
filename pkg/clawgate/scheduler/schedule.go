package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// NormalizeSchedule turns a plain-English schedule such as "every 30
// seconds", "daily at 3:30am" or "weekly on sunday at 2:00" into a cron
// expression or @every descriptor. Anything it does not recognise is
// returned trimmed and unchanged, so cron expressions pass straight through.
func NormalizeSchedule(input string) string {
	s := strings.TrimSpace(input)
	if out, ok := parsePlainSchedule(strings.ToLower(s)); ok {
		return out
	}
	return s
}

var (
	reEvery      = regexp.MustCompile(`^every\s+(\d+)\s+(second|sec|minute|min|hour|day)s?$`)
	reEveryOne   = regexp.MustCompile(`^every\s+(second|minute|hour|day)$`)
	reDailyAt    = regexp.MustCompile(`^daily\s+at\s+(.+)$`)
	reWeeklyOnAt = regexp.MustCompile(`^weekly\s+on\s+(\w+)(?:\s+at\s+(.+))?$`)
)

func parsePlainSchedule(s string) (string, bool) {
	switch s {
	case "":
		return "", false
	case "hourly":
		return "@every 1h", true
	case "daily":
		return "0 0 * * *", true
	}

	if m := reEvery.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := durationUnit(m[2])
		if n <= 0 || unit == "" {
			return "", false
		}
		if unit == "d" {
			n, unit = n*24, "h"
		}
		return fmt.Sprintf("@every %d%s", n, unit), true
	}
	if m := reEveryOne.FindStringSubmatch(s); m != nil {
		if unit := durationUnit(m[1]); unit == "d" {
			return "@every 24h", true
		} else if unit != "" {
			return "@every 1" + unit, true
		}
	}
	if m := reDailyAt.FindStringSubmatch(s); m != nil {
		if hour, minute := clockTime(m[1]); hour >= 0 {
			return fmt.Sprintf("%d %d * * *", minute, hour), true
		}
		return "", false
	}
	if m := reWeeklyOnAt.FindStringSubmatch(s); m != nil {
		dow := weekday(m[1])
		if dow < 0 {
			return "", false
		}
		hour, minute := 0, 0
		if m[2] != "" {
			if hour, minute = clockTime(m[2]); hour < 0 {
				return "", false
			}
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, dow), true
	}
	return "", false
}

func durationUnit(word string) string {
	switch strings.TrimSuffix(word, "s") {
	case "second", "sec":
		return "s"
	case "minute", "min":
		return "m"
	case "hour":
		return "h"
	case "day":
		return "d"
	}
	return ""
}

// clockTime parses "9:00", "14:30", "9am" or "3:30pm". It returns -1 for
// the hour on failure.
func clockTime(s string) (hour, minute int) {
	s = strings.TrimSpace(s)
	pm := strings.HasSuffix(s, "pm")
	am := strings.HasSuffix(s, "am")
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(s, "pm"), "am"))

	hh, mm, hasMinute := strings.Cut(s, ":")
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return -1, 0
	}
	if hasMinute {
		minute, err = strconv.Atoi(mm)
		if err != nil || minute < 0 || minute > 59 {
			return -1, 0
		}
	}
	if (am || pm) && hour > 12 {
		return -1, 0
	}
	if pm && hour < 12 {
		hour += 12
	}
	if am && hour == 12 {
		hour = 0
	}
	return hour, minute
}

func weekday(day string) int {
	for i, names := range [...][2]string{
		{"sunday", "sun"}, {"monday", "mon"}, {"tuesday", "tue"}, {"wednesday", "wed"},
		{"thursday", "thu"}, {"friday", "fri"}, {"saturday", "sat"},
	} {
		if day == names[0] || day == names[1] {
			return i
		}
	}
	return -1
}
