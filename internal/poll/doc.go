// Package poll holds the domain model: poll definitions, groups, sent
// instances and the vote counter state machine.
//
// Types here carry no storage or transport concerns. Persistence lives in
// internal/storage and delivery in internal/transport.
package poll
