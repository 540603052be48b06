// Package schedule decides which polls are due at a given instant.
//
// Expressions use crontab syntax with an optional leading seconds field:
//
//	"0 9 * * MON-FRI"     09:00:00 on weekdays (seconds default to 0)
//	"30 0 9 * * MON-FRI"  09:00:30 on weekdays
//	"@hourly"             descriptors are accepted, "@every" is not
//
// Matching is evaluated in the location of the instant passed in, so the
// caller picks the timezone.
package schedule
