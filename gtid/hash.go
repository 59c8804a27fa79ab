package gtid

import (
	"encoding/binary"
	"hash/fnv"
)

// SeedHash is the fixed seed used for entry zero of the chain (h(entry_0)).
const SeedHash int64 = 0

// ChainHash derives the running hash of an oplog entry from the previous
// entry's hash and this entry's body bytes: h(entry_i) = H(h(entry_{i-1}) || body(entry_i)).
func ChainHash(prev int64, body []byte) int64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(prev))
	_, _ = h.Write(buf[:])
	_, _ = h.Write(body)
	return int64(h.Sum64())
}
