package dispatch

import (
	"expvar"
	"fmt"
)

// Get an *expvar.Int with the given path.
func getVarInt(base string, id string, name string) *expvar.Int {
	fullname := fmt.Sprintf("dnsdispatch.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Int)
	}
	return expvar.NewInt(fullname)
}

// Get an *expvar.Map with the given path.
func getVarMap(base string, id string, name string) *expvar.Map {
	fullname := fmt.Sprintf("dnsdispatch.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Map)
	}
	return expvar.NewMap(fullname)
}

// ManagerMetrics holds the counters maintained by a dispatch manager and all the
// dispatches it owns.
type ManagerMetrics struct {
	// Registered entries by transport ("udp", "tcp").
	register *expvar.Map
	// Dispatches currently alive.
	dispatches *expvar.Int
	// Responses delivered to entries.
	response *expvar.Int
	// Inbound messages discarded because they didn't match a waiting entry.
	mismatch *expvar.Int
	// Inbound messages discarded because the source is blackholed.
	blackholed *expvar.Int
	// Entries resolved with a timeout.
	timeout *expvar.Int
	// Replies that arrived for entries that had already timed out.
	late *expvar.Int
	// Failed connection attempts.
	connfail *expvar.Int
	// Source port re-selections after a port conflict.
	portretry *expvar.Int
	// Entries resolved by cancellation.
	canceled *expvar.Int
	// Connection-level failures by error.
	err *expvar.Map
}

func newManagerMetrics(id string) *ManagerMetrics {
	return &ManagerMetrics{
		register:   getVarMap("manager", id, "register"),
		dispatches: getVarInt("manager", id, "dispatches"),
		response:   getVarInt("manager", id, "response"),
		mismatch:   getVarInt("manager", id, "mismatch"),
		blackholed: getVarInt("manager", id, "blackholed"),
		timeout:    getVarInt("manager", id, "timeout"),
		late:       getVarInt("manager", id, "late"),
		connfail:   getVarInt("manager", id, "connfail"),
		portretry:  getVarInt("manager", id, "portretry"),
		canceled:   getVarInt("manager", id, "canceled"),
		err:        getVarMap("manager", id, "error"),
	}
}

// ListenerMetrics contains the counters of a listener.
type ListenerMetrics struct {
	// Count of queries.
	query *expvar.Int
	// Count of responses by response code.
	response *expvar.Map
	// Count of errors by type.
	err *expvar.Map
	// Count of dropped queries.
	drop *expvar.Int
}

func newListenerMetrics(base string, id string) *ListenerMetrics {
	return &ListenerMetrics{
		query:    getVarInt(base, id, "query"),
		response: getVarMap(base, id, "response"),
		err:      getVarMap(base, id, "error"),
		drop:     getVarInt(base, id, "drop"),
	}
}
