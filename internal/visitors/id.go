package visitors

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint derives the 64-bit value folded into a day's visitor estimator.
// The IP address and user agent are only hashed, never stored. A non-empty
// salt keys the hash so fingerprints cannot be precomputed from known inputs.
func Fingerprint(ipAddress, userAgent, salt string) uint64 {
	var key []byte
	if salt != "" {
		k := blake2b.Sum256([]byte(salt))
		key = k[:]
	}

	// New256 only fails for keys longer than 64 bytes.
	h, err := blake2b.New256(key)
	if err != nil {
		sum := blake2b.Sum256([]byte(ipAddress + "|" + userAgent))
		return binary.BigEndian.Uint64(sum[:8])
	}
	h.Write([]byte(ipAddress))
	h.Write([]byte{'|'})
	h.Write([]byte(userAgent))
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}
