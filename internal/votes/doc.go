// Package votes applies vote notifications to stored poll instances.
//
// A single consumer drains one ordered queue, so concurrent notifications
// for the same instance never interleave their read-modify-write cycles.
package votes
