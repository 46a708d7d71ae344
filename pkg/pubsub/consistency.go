package pubsub

import (
	"fmt"
	"strings"
)

// Consistency is the number of replicas, self included, that must apply a
// subscription update before an acknowledged call returns.
type Consistency string

const (
	ConsistencyLocal    Consistency = "local"
	ConsistencyMajority Consistency = "majority"
	ConsistencyAll      Consistency = "all"
)

// ParseConsistency accepts local, majority (or its alias quorum) and all.
func ParseConsistency(s string) (Consistency, error) {
	switch strings.ToLower(s) {
	case "local", "":
		return ConsistencyLocal, nil
	case "majority", "quorum":
		return ConsistencyMajority, nil
	case "all":
		return ConsistencyAll, nil
	}
	return "", fmt.Errorf("unknown consistency level '%s'", s)
}

// Required returns how many of clusterSize replicas must apply an update.
func (c Consistency) Required(clusterSize int) int {
	switch c {
	case ConsistencyMajority:
		return clusterSize/2 + 1
	case ConsistencyAll:
		return clusterSize
	default:
		return 1
	}
}
