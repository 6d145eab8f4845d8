package task

import (
	"fmt"
	"strconv"
	"time"

	"github.com/swarmguard/translate-queue/internal/taskerrors"
)

func formatInt(v int) string { return strconv.Itoa(v) }

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func parseInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func parseFloat(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	return time.Parse(time.RFC3339Nano, v)
}

func errInvalidRecord(field, value string) error {
	return taskerrors.Corruption(nil, "field %q has invalid value %q", field, value)
}
