package validator

import (
	"strings"

	"github.com/septivank/energy-metering-gateway/internal/apperr"
	"github.com/septivank/energy-metering-gateway/internal/intervalclock"
)

const meterIDLength = 14

// Validator checks request fields before any partner call is made
type Validator struct {
	maxRangeDays int
}

// NewValidator creates a new validator. maxRangeDays bounds the span of a
// requested date range; zero disables the bound.
func NewValidator(maxRangeDays int) *Validator {
	return &Validator{
		maxRangeDays: maxRangeDays,
	}
}

// MeterID validates a 14-digit PRM
func (v *Validator) MeterID(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return &apperr.ValidationError{Field: "prm", Message: "is required"}
	}
	if len(value) != meterIDLength {
		return &apperr.ValidationError{Field: "prm", Value: value, Message: "must be 14 digits"}
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return &apperr.ValidationError{Field: "prm", Value: value, Message: "must contain digits only"}
		}
	}
	return nil
}

// Required rejects an empty field
func (v *Validator) Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &apperr.ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// DateRange validates an inclusive civil date range
func (v *Validator) DateRange(start, end string) error {
	if err := v.Required("startDate", start); err != nil {
		return err
	}
	if err := v.Required("endDate", end); err != nil {
		return err
	}
	return v.OptionalDateRange(start, end)
}

// OptionalDateRange validates whichever bounds are present
func (v *Validator) OptionalDateRange(start, end string) error {
	if start != "" {
		if _, err := intervalclock.ParseDate(start); err != nil {
			return &apperr.ValidationError{Field: "startDate", Value: start, Message: "must be a YYYY-MM-DD date"}
		}
	}
	if end != "" {
		if _, err := intervalclock.ParseDate(end); err != nil {
			return &apperr.ValidationError{Field: "endDate", Value: end, Message: "must be a YYYY-MM-DD date"}
		}
	}
	if start == "" || end == "" {
		return nil
	}

	from, _ := intervalclock.ParseDate(start)
	to, _ := intervalclock.ParseDate(end)
	if from.After(to) {
		return &apperr.ValidationError{Field: "startDate", Value: start, Message: "must not be after endDate"}
	}
	if v.maxRangeDays > 0 && to.After(from.AddDate(0, 0, v.maxRangeDays)) {
		return &apperr.ValidationError{Field: "endDate", Value: end, Message: "range is too long"}
	}
	return nil
}

// Period validates an ISO-8601 interval length such as PT30M
func (v *Validator) Period(value string) error {
	if value == "" {
		return nil
	}
	if intervalclock.ParseIntervalLength(value) <= 0 || !strings.HasPrefix(strings.ToUpper(value), "PT") {
		return &apperr.ValidationError{Field: "period", Value: value, Message: "must be an ISO-8601 duration such as PT30M"}
	}
	return nil
}
