package fat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDosDateTimeRoundTrip(t *testing.T) {
	codec := DosDateTime{}

	cases := []time.Time{
		time.Date(1980, time.January, 1, 0, 0, 0, 0, time.Local),
		time.Date(1999, time.December, 31, 23, 59, 58, 0, time.Local),
		time.Date(2026, time.July, 30, 12, 34, 56, 0, time.Local),
	}

	for _, tc := range cases {
		dateWord, timeWord, tenths := codec.FromTime(tc)
		got := codec.ToTime(dateWord, timeWord, tenths)

		assert.Equal(t, tc.Year(), got.Year())
		assert.Equal(t, tc.Month(), got.Month())
		assert.Equal(t, tc.Day(), got.Day())
		assert.Equal(t, tc.Hour(), got.Hour())
		assert.Equal(t, tc.Minute(), got.Minute())
		// DOS time has 2-second resolution.
		assert.InDelta(t, tc.Second(), got.Second(), 1)
	}
}

func TestDosDateTimeClampsPreEpochYear(t *testing.T) {
	codec := DosDateTime{}
	tooOld := time.Date(1970, time.March, 4, 0, 0, 0, 0, time.Local)

	dateWord := codec.DateToWord(tooOld)
	year, month, day := codec.DateFromWord(dateWord)

	assert.Equal(t, 1980, year)
	assert.Equal(t, time.March, month)
	assert.Equal(t, 4, day)
}

func TestDosDateTimeUTCFlag(t *testing.T) {
	local := DosDateTime{UTC: false}
	utc := DosDateTime{UTC: true}

	ref := time.Date(2020, time.June, 15, 10, 0, 0, 0, time.UTC)
	dateWord, timeWord, tenths := utc.FromTime(ref)

	got := utc.ToTime(dateWord, timeWord, tenths)
	assert.Equal(t, time.UTC, got.Location())

	gotLocal := local.ToTime(dateWord, timeWord, tenths)
	assert.Equal(t, time.Local, gotLocal.Location())
}

func TestDosDateTimeZeroWordTolerated(t *testing.T) {
	codec := DosDateTime{}
	got := codec.ToTime(0, 0, 0)
	// Day/month 0 clamp to 1; year 1980 is the DOS epoch.
	assert.Equal(t, 1980, got.Year())
	assert.Equal(t, time.January, got.Month())
	assert.Equal(t, 1, got.Day())
}
