package badger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/window"
)

// Key layout. Every family has its own prefix so prefix iteration never
// crosses into another family.
//
//	e/<ms:8><id:8>          event JSON, ordered by event time
//	i/<idempotency key>     event id
//	a/<id:8>                account JSON
//	c/<ms:8><id:8>          account created-at index (empty value)
//	r/<granularity>/<date>  rollup JSON
//	t/<date>/<window:02>    retention row JSON
const (
	prefixEvent          = "e/"
	prefixIdempotency    = "i/"
	prefixAccount        = "a/"
	prefixAccountCreated = "c/"
	prefixRollup         = "r/"
	prefixRetention      = "t/"
)

var seqEventKey = []byte("seq/event")

// sortableMillis flips the sign bit so pre-1970 times still sort correctly.
func sortableMillis(t time.Time) uint64 {
	return uint64(t.UnixMilli()) ^ (1 << 63)
}

func millisToTime(v uint64) time.Time {
	return time.UnixMilli(int64(v ^ (1 << 63))).UTC()
}

func eventKeyPrefix(t time.Time) []byte {
	key := make([]byte, len(prefixEvent)+8)
	copy(key, prefixEvent)
	binary.BigEndian.PutUint64(key[len(prefixEvent):], sortableMillis(t))
	return key
}

func eventKey(t time.Time, id int64) []byte {
	key := append(eventKeyPrefix(t), make([]byte, 8)...)
	binary.BigEndian.PutUint64(key[len(prefixEvent)+8:], uint64(id))
	return key
}

func timeFromEventKey(key []byte) time.Time {
	return millisToTime(binary.BigEndian.Uint64(key[len(prefixEvent) : len(prefixEvent)+8]))
}

func idempotencyKey(k string) []byte {
	return append([]byte(prefixIdempotency), k...)
}

func accountKey(id int64) []byte {
	key := make([]byte, len(prefixAccount)+8)
	copy(key, prefixAccount)
	binary.BigEndian.PutUint64(key[len(prefixAccount):], uint64(id))
	return key
}

func accountCreatedPrefix(t time.Time) []byte {
	key := make([]byte, len(prefixAccountCreated)+8)
	copy(key, prefixAccountCreated)
	binary.BigEndian.PutUint64(key[len(prefixAccountCreated):], sortableMillis(t))
	return key
}

func accountCreatedKey(t time.Time, id int64) []byte {
	key := append(accountCreatedPrefix(t), make([]byte, 8)...)
	binary.BigEndian.PutUint64(key[len(prefixAccountCreated)+8:], uint64(id))
	return key
}

func idFromCreatedKey(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(prefixAccountCreated)+8:]))
}

func rollupPrefix(g storage.Granularity) []byte {
	return []byte(prefixRollup + string(g) + "/")
}

func rollupKey(g storage.Granularity, period time.Time) []byte {
	return append(rollupPrefix(g), window.FormatDate(period)...)
}

func retentionDayPrefix(cohort time.Time) []byte {
	return []byte(prefixRetention + window.FormatDate(cohort) + "/")
}

func retentionKey(cohort time.Time, w int) []byte {
	return append(retentionDayPrefix(cohort), fmt.Sprintf("%02d", w)...)
}

func encodeID(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func decodeID(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func compareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// keyFamily returns the two-byte family prefix of key, or "".
func keyFamily(key []byte) string {
	if len(key) < 2 || key[1] != '/' {
		return ""
	}
	return string(key[:2])
}
