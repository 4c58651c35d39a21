// Package filekey derives the 16-byte content-addressed identity used
// throughout dirsync to name a file across both peers.
package filekey

import (
	"crypto/md5" //nolint:gosec // G501: spec-mandated identity hash, not a security boundary
	"encoding/hex"
	"strconv"
)

// Size is the length of a Key in bytes (MD5 digest size).
const Size = 16

// Key identifies a file by the MD5 of its name and creation time. Two
// files with the same name and creation timestamp are treated as the same
// logical file; a collision is treated as identity, never flagged.
type Key [Size]byte

// Dummy is the reserved sentinel FileKey used by the empty-folder ACK
// (spec §4.5, §9). It is never produced by Derive and must not be
// allocated to a real file.
var Dummy = MustParse("abcdef0123456789abcdef0123456789")

// Derive computes the FileKey for a file with the given name and creation
// time (milliseconds since epoch), per spec §3: MD5(filename || creation_time).
func Derive(name string, creationTimeMillis int64) Key {
	h := md5.New() //nolint:gosec // G401: spec-mandated identity hash
	h.Write([]byte(name))
	h.Write([]byte(strconv.FormatInt(creationTimeMillis, 10)))
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// String renders the key as 32 lowercase hex characters, the wire
// representation named in spec §3.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Parse decodes a 32-character lowercase hex string into a Key.
func Parse(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(b) != Size {
		return k, errInvalidLength(len(b))
	}
	copy(k[:], b)
	return k, nil
}

// MustParse is like Parse but panics on error. Used for the Dummy constant.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

type errInvalidLength int

func (e errInvalidLength) Error() string {
	return "filekey: decoded length " + strconv.Itoa(int(e)) + " != " + strconv.Itoa(Size)
}
