package database

import "github.com/shizukutanaka/dbaccel/internal/optimization"

// Availability reports whether a connection class can currently serve
// traffic. PoolSupervisor implements it.
type Availability interface {
	Available(class ConnectionClass) bool
}

var (
	writeChain     = []ConnectionClass{ClassPrimary}
	aggregateChain = []ConnectionClass{ClassAnalytics, ClassReplica, ClassPrimary}
	readChain      = []ConnectionClass{ClassReplica, ClassPrimary}
)

// FallbackChain returns the classes tried for kind, most preferred first.
// The chain always ends with the primary.
func FallbackChain(kind optimization.QueryKind) []ConnectionClass {
	switch kind {
	case optimization.KindAggregate:
		return aggregateChain
	case optimization.KindSelect:
		return readChain
	default:
		return writeChain
	}
}

// Route picks the first available class of the fallback chain for kind.
// Writes always go to the primary, even when it is degraded.
func Route(kind optimization.QueryKind, avail Availability) ConnectionClass {
	chain := FallbackChain(kind)
	for _, class := range chain[:len(chain)-1] {
		if avail.Available(class) {
			return class
		}
	}
	return ClassPrimary
}

// RemainingChain returns the part of kind's chain after class, used when a
// routed class fails to hand out a connection.
func RemainingChain(kind optimization.QueryKind, class ConnectionClass) []ConnectionClass {
	chain := FallbackChain(kind)
	for i, c := range chain {
		if c == class {
			return chain[i+1:]
		}
	}
	return nil
}
