// Package dispatch runs the scheduling loop: every tick it loads the poll
// definitions, keeps the due ones, sends each as one or more poll messages,
// records the sent instances and finally marks the poll sent.
//
// Delivery is at least once. A poll whose send, persist or destination
// lookup fails is tried again the next time its schedule matches; a retry
// after a partial send can produce duplicate messages.
package dispatch
