package group

import (
	"sort"
)

// Member is one group member as seen by the leader during assignment.
type Member struct {
	ID         string
	InstanceID *string
	Topics     []string
	UserData   []byte
}

// Assignment maps member id to topic to partitions.
type Assignment map[string]map[string][]int32

// Balancer computes partition assignments on the group leader. Every
// partition of every subscribed topic is assigned to exactly one member
// subscribed to that topic.
type Balancer interface {
	// Name is the protocol name advertised in JoinGroup.
	Name() string
	Assign(members []Member, partitions map[string]int32) Assignment
}

var (
	_ Balancer = RangeBalancer{}
	_ Balancer = RoundRobinBalancer{}
)

// RangeBalancer gives each member of a topic a contiguous range of its
// partitions; the first members in id order take one extra partition when
// the count does not divide evenly.
type RangeBalancer struct{}

func (RangeBalancer) Name() string { return "range" }

func (RangeBalancer) Assign(members []Member, partitions map[string]int32) Assignment {
	out := newAssignment(members)

	for _, topic := range sortedTopics(partitions) {
		subs := subscribers(members, topic)
		if len(subs) == 0 {
			continue
		}
		n := int(partitions[topic])
		per, extra := n/len(subs), n%len(subs)

		next := 0
		for i, id := range subs {
			count := per
			if i < extra {
				count++
			}
			for p := next; p < next+count; p++ {
				out[id][topic] = append(out[id][topic], int32(p))
			}
			next += count
		}
	}
	return out
}

// RoundRobinBalancer deals all subscribed partitions, ordered by topic then
// partition, to the members in id order, skipping members not subscribed to
// the partition's topic.
type RoundRobinBalancer struct{}

func (RoundRobinBalancer) Name() string { return "roundrobin" }

func (RoundRobinBalancer) Assign(members []Member, partitions map[string]int32) Assignment {
	out := newAssignment(members)

	ids := make([]string, 0, len(members))
	subscribed := make(map[string]map[string]bool, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
		topics := make(map[string]bool, len(m.Topics))
		for _, t := range m.Topics {
			topics[t] = true
		}
		subscribed[m.ID] = topics
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return out
	}

	cursor := 0
	for _, topic := range sortedTopics(partitions) {
		for p := int32(0); p < partitions[topic]; p++ {
			for tries := 0; tries < len(ids); tries++ {
				id := ids[cursor%len(ids)]
				cursor++
				if subscribed[id][topic] {
					out[id][topic] = append(out[id][topic], p)
					break
				}
			}
		}
	}
	return out
}

func newAssignment(members []Member) Assignment {
	out := make(Assignment, len(members))
	for _, m := range members {
		out[m.ID] = make(map[string][]int32)
	}
	return out
}

func sortedTopics[V any](partitions map[string]V) []string {
	topics := make([]string, 0, len(partitions))
	for t := range partitions {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func subscribers(members []Member, topic string) []string {
	var ids []string
	for _, m := range members {
		for _, t := range m.Topics {
			if t == topic {
				ids = append(ids, m.ID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids
}
