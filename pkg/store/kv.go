package store

import "errors"

// KeyPrefix constants.
const (
	// IXNonce entries form the replay set: one key per issued
	// authorization, laid out as prefix, from address, nonce.
	IXNonce KeyPrefix = 0x01
	// IXSpend entries carry day-bounded spend totals keyed by the UTC
	// day string.
	IXSpend KeyPrefix = 0x02
	// IXPublished entries mark products with an open marketplace task.
	IXPublished KeyPrefix = 0x03
	// SYSVersion holds the index layout version.
	SYSVersion KeyPrefix = 0xf0
)

// indexVersion changes when the index layout does; a mismatch on open
// forces a rebuild from the jsonl files.
const indexVersion = 1

// ErrKeyNotFound is an error returned by KV implementations when a
// certain key is not found.
var ErrKeyNotFound = errors.New("key not found")

type (
	// KV is the backend for the store's derived index. The jsonl files
	// are the durable truth; everything in here can be rebuilt from
	// them.
	KV interface {
		Get([]byte) ([]byte, error)
		Put(k, v []byte) error
		Delete(k []byte) error
		// Seek iterates keys with the given prefix in ascending order
		// until f returns false. Key and value slices are only valid
		// for the duration of the call.
		Seek(prefix []byte, f func(k, v []byte) bool)
		Close() error
	}

	// KeyPrefix is a constant byte added as a prefix for each key
	// stored.
	KeyPrefix uint8
)

// Bytes returns the bytes representation of KeyPrefix.
func (k KeyPrefix) Bytes() []byte {
	return []byte{byte(k)}
}
