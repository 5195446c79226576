// Package gps implements the conversions between GPS epoch time, as used by
// the LoRaWAN application layer packages, and the device system time.
package gps

import (
	"fmt"
	"time"
)

// UnixEpochOffset is the number of seconds between the Unix epoch
// (1970-01-01) and the GPS epoch (1980-01-06). The device system time is
// kept as GPS time + UnixEpochOffset, thus without leap-second correction.
const UnixEpochOffset = 315964800

var gpsEpochTime = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// leap seconds inserted since the GPS epoch
var leapSeconds = []time.Time{
	time.Date(1981, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1982, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1983, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1985, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1987, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1989, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1990, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1992, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1993, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1994, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1995, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1997, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1998, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(2005, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(2008, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(2012, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(2015, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(2016, time.December, 31, 23, 59, 59, 0, time.UTC),
}

// Time represents a GPS time wrapper.
type Time time.Time

// NewFromTimeSinceGPSEpoch returns a new Time given a time since GPS epoch
// and will apply the leap second correction.
func NewFromTimeSinceGPSEpoch(sinceEpoch time.Duration) Time {
	t := gpsEpochTime.Add(sinceEpoch)
	for _, ls := range leapSeconds {
		if ls.Before(t) {
			t = t.Add(-time.Second)
		}
	}

	return Time(t)
}

// TimeSinceGPSEpoch returns the time duration since GPS epoch, corrected with
// the leap seconds.
func (t Time) TimeSinceGPSEpoch() time.Duration {
	var offset time.Duration
	for _, ls := range leapSeconds {
		if ls.Before(time.Time(t)) {
			offset += time.Second
		}
	}

	return time.Time(t).Sub(gpsEpochTime) + offset
}

// SystemSeconds returns the device system time in seconds for the given
// duration since GPS epoch.
func SystemSeconds(sinceEpoch time.Duration) int64 {
	return int64(sinceEpoch/time.Second) + UnixEpochOffset
}

// SystemTime returns the device system time for the given UTC time.
func SystemTime(t time.Time) time.Time {
	return gpsEpochTime.Add(Time(t).TimeSinceGPSEpoch())
}

// SessionTimeToSystem converts a session time, expressed in seconds since
// GPS epoch as carried by the application layer packages, to device system
// time in seconds.
func SessionTimeToSystem(sessionTime uint32) int64 {
	return int64(sessionTime) + UnixEpochOffset
}

// String implements the Stringer interface.
func (t Time) String() string {
	return fmt.Sprintf("%s (%s since GPS epoch)", time.Time(t).String(), t.TimeSinceGPSEpoch().String())
}
