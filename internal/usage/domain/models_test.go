package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDayWindowNormalizesToUTC(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*3600)
	// 02:00 in UTC+7 is still the previous UTC day.
	start, end := DayWindow(time.Date(2026, 5, 2, 2, 0, 0, 0, jakarta))
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, 24*time.Hour, end.Sub(start))
}
