// Package coordination splits work among a fleet of evaluator processes.
// Members register in a named group on a shared backend; every process
// builds the same consistent-hash ring over the current membership and keeps
// only the keys that land on itself. There is no leader: coordination is
// used for partitioning only, never for mutual exclusion.
package coordination

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"
)

// DefaultReplicas is the number of virtual points placed per member.
const DefaultReplicas = 100

type ringPoint struct {
	hash   uint32
	member string
}

// HashRing maps arbitrary keys onto a fixed set of members. It is immutable
// after construction and safe for concurrent reads.
type HashRing struct {
	points []ringPoint
}

// NewHashRing builds a ring with replicas virtual points per member.
// A replicas value <= 0 selects DefaultReplicas.
func NewHashRing(members []string, replicas int) *HashRing {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	points := make([]ringPoint, 0, len(members)*replicas)
	for _, m := range members {
		for r := 0; r < replicas; r++ {
			points = append(points, ringPoint{
				hash:   hashKey(fmt.Sprintf("%s-%d", m, r)),
				member: m,
			})
		}
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].hash == points[j].hash {
			return points[i].member < points[j].member
		}
		return points[i].hash < points[j].hash
	})
	return &HashRing{points: points}
}

// GetNode returns the member owning key, or false for an empty ring.
func (r *HashRing) GetNode(key string) (string, bool) {
	if len(r.points) == 0 {
		return "", false
	}
	h := hashKey(key)
	i := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].member, true
}

// hashKey is the first four bytes of the MD5 digest read big-endian.
// All fleet members must agree on it, so it must never change.
func hashKey(key string) uint32 {
	sum := md5.Sum([]byte(key))
	return binary.BigEndian.Uint32(sum[:4])
}
