package condition

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/rdb"
)

type DateMode string

const (
	Today               DateMode = "today"
	Tomorrow            DateMode = "tomorrow"
	Yesterday           DateMode = "yesterday"
	OneWeekAgo          DateMode = "oneWeekAgo"
	OneWeekFromNow      DateMode = "oneWeekFromNow"
	OneMonthAgo         DateMode = "oneMonthAgo"
	OneMonthFromNow     DateMode = "oneMonthFromNow"
	NumberOfDaysAgo     DateMode = "numberOfDaysAgo"
	NumberOfDaysFromNow DateMode = "numberOfDaysFromNow"
	ExactDate           DateMode = "exactDate"
	CurrentWeek         DateMode = "currentWeek"
	CurrentMonth        DateMode = "currentMonth"
	CurrentYear         DateMode = "currentYear"
	LastWeek            DateMode = "lastWeek"
	LastMonth           DateMode = "lastMonth"
	LastYear            DateMode = "lastYear"
	NextWeek            DateMode = "nextWeek"
	NextMonth           DateMode = "nextMonth"
	NextYear            DateMode = "nextYear"
	PastWeek            DateMode = "pastWeek"
	PastMonth           DateMode = "pastMonth"
	PastYear            DateMode = "pastYear"
	PastNumberOfDays    DateMode = "pastNumberOfDays"
	NextNumberOfDays    DateMode = "nextNumberOfDays"
)

// DateValue 日期条件的取值
type DateValue struct {
	Mode         DateMode `json:"mode"`
	TimeZone     string   `json:"timeZone,omitempty"`
	NumberOfDays int      `json:"numberOfDays,omitempty"`
	ExactDate    string   `json:"exactDate,omitempty"`
}

// Range 半开时间区间 [Start, End)，UTC
type Range struct {
	Start time.Time
	End   time.Time
}

func parseDateValue(v any) (*DateValue, error) {
	switch x := v.(type) {
	case *DateValue:
		if x == nil {
			return nil, errors.New("date value is nil")
		}
		return x, nil
	case DateValue:
		return &x, nil
	case string:
		// 单独的日期字符串视为 exactDate
		return &DateValue{Mode: ExactDate, ExactDate: x}, nil
	case map[string]any:
		buf, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		var dv DateValue
		if err := json.Unmarshal(buf, &dv); err != nil {
			return nil, err
		}
		return &dv, nil
	default:
		return nil, errors.Errorf("unsupported date value %v", v)
	}
}

// Resolve 在时区 defaultTimeZone 下把日期条件换算为 UTC 区间，DateValue.TimeZone 优先
// within 为 true 时按 isWithIn 解释 pastXxx / nextXxx，否则 nextXxx 指下一个自然周期
// 每周从周日开始
func (v *DateValue) Resolve(now time.Time, defaultTimeZone string, within bool) (Range, error) {
	tz := v.TimeZone
	if tz == "" {
		tz = defaultTimeZone
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return Range{}, rdb.NewValidationError("invalid time zone %q", tz)
	}
	n := v.NumberOfDays
	if n < 0 {
		return Range{}, rdb.NewValidationError("numberOfDays must not be negative, got %d", n)
	}

	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	day := func(t time.Time) Range { return utc(t, t.AddDate(0, 0, 1)) }
	week := today.AddDate(0, 0, -int(today.Weekday()))
	month := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, loc)
	year := time.Date(today.Year(), 1, 1, 0, 0, 0, 0, loc)
	tomorrow := today.AddDate(0, 0, 1)

	if within {
		switch v.Mode {
		case PastWeek:
			return utc(today.AddDate(0, 0, -7), tomorrow), nil
		case PastMonth:
			return utc(today.AddDate(0, -1, 0), tomorrow), nil
		case PastYear:
			return utc(today.AddDate(-1, 0, 0), tomorrow), nil
		case PastNumberOfDays:
			return utc(today.AddDate(0, 0, -n), tomorrow), nil
		case NextWeek:
			return utc(today, tomorrow.AddDate(0, 0, 7)), nil
		case NextMonth:
			return utc(today, tomorrow.AddDate(0, 1, 0)), nil
		case NextYear:
			return utc(today, tomorrow.AddDate(1, 0, 0)), nil
		case NextNumberOfDays:
			return utc(today, tomorrow.AddDate(0, 0, n)), nil
		}
		return Range{}, rdb.NewValidationError("date mode %q is not supported by isWithIn", v.Mode)
	}

	switch v.Mode {
	case Today:
		return day(today), nil
	case Tomorrow:
		return day(tomorrow), nil
	case Yesterday:
		return day(today.AddDate(0, 0, -1)), nil
	case OneWeekAgo:
		return day(today.AddDate(0, 0, -7)), nil
	case OneWeekFromNow:
		return day(today.AddDate(0, 0, 7)), nil
	case OneMonthAgo:
		return day(today.AddDate(0, -1, 0)), nil
	case OneMonthFromNow:
		return day(today.AddDate(0, 1, 0)), nil
	case NumberOfDaysAgo:
		return day(today.AddDate(0, 0, -n)), nil
	case NumberOfDaysFromNow:
		return day(today.AddDate(0, 0, n)), nil
	case ExactDate:
		t, err := parseExactDate(v.ExactDate, loc)
		if err != nil {
			return Range{}, err
		}
		return day(t), nil
	case CurrentWeek:
		return utc(week, week.AddDate(0, 0, 7)), nil
	case LastWeek:
		return utc(week.AddDate(0, 0, -7), week), nil
	case NextWeek:
		return utc(week.AddDate(0, 0, 7), week.AddDate(0, 0, 14)), nil
	case CurrentMonth:
		return utc(month, month.AddDate(0, 1, 0)), nil
	case LastMonth:
		return utc(month.AddDate(0, -1, 0), month), nil
	case NextMonth:
		return utc(month.AddDate(0, 1, 0), month.AddDate(0, 2, 0)), nil
	case CurrentYear:
		return utc(year, year.AddDate(1, 0, 0)), nil
	case LastYear:
		return utc(year.AddDate(-1, 0, 0), year), nil
	case NextYear:
		return utc(year.AddDate(1, 0, 0), year.AddDate(2, 0, 0)), nil
	}
	return Range{}, rdb.NewValidationError("unsupported date mode %q", v.Mode)
}

func utc(start, end time.Time) Range {
	return Range{Start: start.UTC(), End: end.UTC()}
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

// parseExactDate 返回日期在 loc 中所在自然日的零点
func parseExactDate(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, rdb.NewValidationError("exactDate requires a date")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t = t.In(loc)
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return time.Time{}, rdb.NewValidationError("invalid exactDate %q", s)
	}
	return t, nil
}
