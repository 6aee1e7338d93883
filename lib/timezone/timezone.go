package timezone

import "time"

var Location *time.Location

func init() {
	var err error
	Location, err = time.LoadLocation("Europe/Moscow")
	if err != nil {
		panic(err)
	}
}

// force the reporting timezone to Moscow regardless of where the
// servers end up, marketplace prices and citation timestamps are
// always disclosed in Russian local time
func Now() time.Time {
	return time.Now().In(Location)
}
