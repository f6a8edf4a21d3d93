// Package dispatcher schedules job requests onto compute agents.
//
// Requests are queued per resource class and per user. Within a class,
// users are served round-robin and each user has at most one request in
// flight, so one user flooding the queue cannot starve another. Each
// class also has a global cap on requests in flight. An admitted request
// is sent through the correlator to the agent chosen by the registry, and
// its slot is reused as soon as the reply arrives.
package dispatcher
