package pubsub

import (
	"sort"
)

// Entry is the replicated state of one (topic, subscriber) pair. Replicas keep
// the entry with the greatest (Clock, Writer) and so converge on the same map.
type Entry struct {
	Topic      string `cbor:"1,keyasint"`
	Subscriber string `cbor:"2,keyasint"`
	// Owner is the replica delivering to the subscriber.
	Owner      string `cbor:"3,keyasint"`
	Subscribed bool   `cbor:"4,keyasint"`
	Clock      uint64 `cbor:"5,keyasint"`
	// Writer is the replica that produced this version of the entry.
	Writer string `cbor:"6,keyasint"`
}

type entryKey struct {
	topic      string
	subscriber string
}

func (e Entry) key() entryKey {
	return entryKey{topic: e.Topic, subscriber: e.Subscriber}
}

// newerThan orders entries by lamport clock, the writing replica breaks ties.
func (e Entry) newerThan(other Entry) bool {
	if e.Clock != other.Clock {
		return e.Clock > other.Clock
	}
	return e.Writer > other.Writer
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Topic != entries[j].Topic {
			return entries[i].Topic < entries[j].Topic
		}
		return entries[i].Subscriber < entries[j].Subscriber
	})
}
