package models

import (
	"errors"
	"fmt"
	"time"
)

const (
	dateLayout  = "2006-01-02"
	monthLayout = "2006-01"
)

type DateType string

const (
	DateSpecific DateType = "specific_date"
	DateMultiple DateType = "multiple_dates"
	DateMonth    DateType = "month"
)

// DatePattern is the date payload shared by requests and preferences.
type DatePattern struct {
	Type          DateType `json:"request_type"`
	SpecificDate  string   `json:"specific_date,omitempty"`
	MultipleDates []string `json:"multiple_dates,omitempty"`
	Month         string   `json:"month,omitempty"`
}

// DateOf returns the calendar date of t in its own location.
func DateOf(t time.Time) string { return t.Format(dateLayout) }

func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return d, nil
}

// Matches reports whether a candidate departure date (YYYY-MM-DD) satisfies
// the pattern. Only the calendar date is compared.
func (p DatePattern) Matches(date string) bool {
	if len(date) < len(dateLayout) {
		return false
	}
	date = date[:len(dateLayout)]
	switch p.Type {
	case DateSpecific:
		return p.SpecificDate == date
	case DateMultiple:
		for _, d := range p.MultipleDates {
			if d == date {
				return true
			}
		}
		return false
	case DateMonth:
		return p.Month != "" && p.Month == date[:len(monthLayout)]
	}
	return false
}

// ExpiresAt is the end of the latest day (or month) the pattern covers, in UTC.
func (p DatePattern) ExpiresAt() (time.Time, error) {
	switch p.Type {
	case DateSpecific:
		d, err := ParseDate(p.SpecificDate)
		if err != nil {
			return time.Time{}, err
		}
		return d.AddDate(0, 0, 1), nil
	case DateMultiple:
		if len(p.MultipleDates) == 0 {
			return time.Time{}, errors.New("multiple_dates is empty")
		}
		var latest time.Time
		for _, s := range p.MultipleDates {
			d, err := ParseDate(s)
			if err != nil {
				return time.Time{}, err
			}
			if d.After(latest) {
				latest = d
			}
		}
		return latest.AddDate(0, 0, 1), nil
	case DateMonth:
		m, err := time.Parse(monthLayout, p.Month)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid month %q: %w", p.Month, err)
		}
		return m.AddDate(0, 1, 0), nil
	}
	return time.Time{}, fmt.Errorf("unknown request_type %q", p.Type)
}

// Validate checks the payload against its type and that the derived expiry
// is still ahead of now. It returns the derived expiry.
func (p DatePattern) Validate(now time.Time) (time.Time, error) {
	exp, err := p.ExpiresAt()
	if err != nil {
		return time.Time{}, err
	}
	if !exp.After(now) {
		return time.Time{}, fmt.Errorf("dates are in the past (expired %s)", exp.Format(time.RFC3339))
	}
	return exp, nil
}
