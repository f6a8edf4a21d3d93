// Package driver holds the supervisor-side sessions for compute agents
// and the registry that maps agent ids and resource classes to them.
// Each session owns its agent's ordered outbound queue and the set of
// operations outstanding on that agent.
package driver
