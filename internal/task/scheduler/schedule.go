package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleForm records how a schedule string was written.
type ScheduleForm string

const (
	FormCron     ScheduleForm = "cron"
	FormDuration ScheduleForm = "duration"
	FormClock    ScheduleForm = "hhmm"
)

// Schedule is a parsed schedule string: a cron expression, or a fixed
// interval written as a Go duration ("55m") or as HH:MM ("02:30").
//
// "cron:" forces cron parsing; "interval:" and "every:" force an interval.
// A Quartz seventh field is accepted only as a wildcard year and dropped.
type Schedule struct {
	Form  ScheduleForm
	Cron  string
	Every time.Duration
}

func (s Schedule) Interval() bool { return s.Form != FormCron }

// cronParser takes 5 or 6 fields (seconds optional) and @descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
	cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var errNonPositive = errors.New("interval must be > 0")

func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, errors.New("schedule required")
	}
	if rest, ok := cutPrefixFold(s, "cron:"); ok {
		if rest == "" {
			return Schedule{}, errors.New("cron schedule required after 'cron:'")
		}
		return cronSchedule(rest), nil
	}
	for _, p := range []string{"interval:", "every:"} {
		if rest, ok := cutPrefixFold(s, p); ok {
			return parseInterval(rest)
		}
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t\r\n") {
		return cronSchedule(s), nil
	}
	if sch, err := parseInterval(s); err == nil || errors.Is(err, errNonPositive) || strings.Contains(s, ":") {
		return sch, err
	}
	return Schedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '0 0/5 * * * ?', HH:MM like '02:30', or duration like '55m')", raw)
}

// ValidateSchedule reports whether raw compiles into a trigger. Blank is
// valid and means the configured default.
func ValidateSchedule(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	sch, err := ParseSchedule(raw)
	if err != nil || sch.Interval() {
		return err
	}
	if _, err := cronParser.Parse(sch.Cron); err != nil {
		return fmt.Errorf("invalid cron %q: %w", sch.Cron, err)
	}
	return nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

func cronSchedule(expr string) Schedule {
	f := strings.Fields(expr)
	if len(f) == 7 && (f[6] == "*" || f[6] == "?") {
		f = f[:6]
	}
	return Schedule{Form: FormCron, Cron: strings.Join(f, " ")}
}

func parseInterval(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Schedule{}, errors.New("interval required")
	}
	if h, m, ok := strings.Cut(v, ":"); ok {
		d, err := parseClock(h, m)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid HH:MM %q: %w", v, err)
		}
		return Schedule{Form: FormClock, Every: d}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return Schedule{}, errNonPositive
	}
	return Schedule{Form: FormDuration, Every: d}, nil
}

// parseClock reads up to three hour digits and exactly two minute digits.
func parseClock(h, m string) (time.Duration, error) {
	if len(h) == 0 || len(h) > 3 || len(m) != 2 || !digits(h) || !digits(m) {
		return 0, errors.New("want HH:MM")
	}
	hours, _ := strconv.Atoi(h)
	mins, _ := strconv.Atoi(m)
	if mins > 59 {
		return 0, errors.New("minutes out of range")
	}
	d := time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute
	if d <= 0 {
		return 0, errNonPositive
	}
	return d, nil
}

func digits(s string) bool {
	return strings.Trim(s, "0123456789") == ""
}
