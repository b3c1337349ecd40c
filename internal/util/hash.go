// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
)

// ProtocolIDFromName derives a 32-bit protocol id from an application name,
// so that unrelated deployments sharing a port reject each other's traffic.
// The zero id is reserved and mapped to 1.
func ProtocolIDFromName(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	if id := h.Sum32(); id != 0 {
		return id
	}
	return 1
}
