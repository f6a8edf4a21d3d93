// Package correlator matches asynchronous agent replies to the requests
// that caused them. Every operation sent to an agent gets a fresh op id
// backed by a single-resolution future; the reply carrying that id wakes
// the one waiter. Ids are retired when the waiter returns so that late
// replies are recognised and dropped rather than treated as violations.
package correlator
