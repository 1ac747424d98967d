package settlement

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidHappyHour = errors.New("settlement: invalid happy hour window")

// HappyHour は1日のうち報酬が割り増しになる時間帯です。
// Start と End は0時からの経過時間で、End が Start より前なら日付をまたぐ時間帯として扱います。
type HappyHour struct {
	Start    time.Duration
	End      time.Duration
	Factor   float64
	Location *time.Location
}

// ParseHappyHour は "HH:MM-HH:MM" 形式の時間帯を解釈します。空文字列は無効な(常に非アクティブな)時間帯を返します。
func ParseHappyHour(window string, factor float64, loc *time.Location) (HappyHour, error) {
	if window == "" {
		return HappyHour{Factor: 1}, nil
	}
	from, to, ok := strings.Cut(window, "-")
	if !ok {
		return HappyHour{}, fmt.Errorf("%w: %q", ErrInvalidHappyHour, window)
	}
	start, err := parseClock(from)
	if err != nil {
		return HappyHour{}, err
	}
	end, err := parseClock(to)
	if err != nil {
		return HappyHour{}, err
	}
	if factor < 1 {
		return HappyHour{}, fmt.Errorf("%w: factor %v is below 1", ErrInvalidHappyHour, factor)
	}
	if loc == nil {
		loc = time.UTC
	}
	return HappyHour{Start: start, End: end, Factor: factor, Location: loc}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidHappyHour, s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (h HappyHour) Enabled() bool {
	return h.Start != h.End
}

func (h HappyHour) Active(now time.Time) bool {
	if !h.Enabled() {
		return false
	}
	loc := h.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	offset := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second

	if h.Start < h.End {
		return offset >= h.Start && offset < h.End
	}
	return offset >= h.Start || offset < h.End
}

// FactorAt は now 時点での報酬係数です。
func (h HappyHour) FactorAt(now time.Time) float64 {
	if h.Active(now) && h.Factor > 1 {
		return h.Factor
	}
	return 1
}
