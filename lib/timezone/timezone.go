package timezone

import (
	"time"
	_ "time/tzdata"
)

var Location *time.Location

func init() {
	var err error
	Location, err = time.LoadLocation("Europe/Paris")
	if err != nil {
		panic(err)
	}
}

// In returns t on the banks' wall clock (Europe/Paris).
func In(t time.Time) time.Time {
	return t.In(Location)
}

// Format formats t on the banks' wall clock, zero times format as "-".
func Format(t time.Time, layout string) string {
	if t.IsZero() {
		return "-"
	}
	return In(t).Format(layout)
}
