package backend

import "github.com/zeebo/blake3"

// contentHash computes an unkeyed BLAKE3 digest of data, used to give
// file.getInfo/file.read a stable content identity. Unlike the
// keyed-hash domain separation used elsewhere in the pack (distinct
// hash domains for distinct data shapes), file identity hashing has no
// cross-domain collision concern, so a plain unkeyed hash suffices.
func contentHash(data []byte) []byte {
	hasher := blake3.New()
	hasher.Write(data)
	return hasher.Sum(nil)
}
