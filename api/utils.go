package api

import (
	"strconv"
	"sync/atomic"
	"time"

	"pairlist/domain"
)

var lastTimestamp int64

// nextTimestampRange reserves count strictly increasing timestamps and
// returns the first. Mutations in one batch get consecutive values so their
// relative order survives the queue.
func nextTimestampRange(count int) int64 {
	if count <= 0 {
		return 0
	}
	n := int64(count)
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now+n-1) {
			return now
		}
	}
}

// finalizeMutations stamps timestamps and fills in missing idempotency keys,
// returning the keys in submission order.
func finalizeMutations(muts []domain.Mutation) []string {
	keys := make([]string, len(muts))
	ts := nextTimestampRange(len(muts))
	for i := range muts {
		muts[i].Timestamp = ts + int64(i)
		if muts[i].IdempotencyKey == "" {
			muts[i].IdempotencyKey = strconv.FormatInt(muts[i].Timestamp, 36)
		}
		muts[i].ID = muts[i].IdempotencyKey
		keys[i] = muts[i].IdempotencyKey
	}
	return keys
}
