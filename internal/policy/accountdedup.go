package policy

import "github.com/hrygo/wristclaw-gateway/internal/containers"

const (
	accountDedupCapacity   = 1000
	accountDedupBatchRatio = 0.2
)

// AccountDedup is the per-account dedup set: a message is processed at most
// once per account. It layers 20%-batch eviction on top of
// containers.BoundedSet — the set itself only ever evicts one entry at a
// time on overflow, so AccountDedup oversizes the underlying set and drives
// EvictOldest(batch) itself once true capacity is exceeded, trading a little
// extra memory for fewer eviction passes under sustained load.
type AccountDedup struct {
	set      *containers.BoundedSet[string]
	capacity int
	batch    int
}

// NewAccountDedup creates an empty per-account dedup set.
func NewAccountDedup() *AccountDedup {
	batch := int(float64(accountDedupCapacity) * accountDedupBatchRatio)
	if batch < 1 {
		batch = 1
	}
	return &AccountDedup{
		// Headroom of +batch keeps the set's own one-at-a-time eviction from
		// firing before AccountDedup's batch eviction gets a chance to.
		set:      containers.NewBoundedSet[string](accountDedupCapacity + batch),
		capacity: accountDedupCapacity,
		batch:    batch,
	}
}

// Claim reports true the first time messageID is seen for this account and
// false on every subsequent call.
func (d *AccountDedup) Claim(messageID string) bool {
	if !d.set.Add(messageID) {
		return false
	}
	if d.set.Len() > d.capacity {
		d.set.EvictOldest(d.batch)
	}
	return true
}

// Len returns the number of currently claimed message ids.
func (d *AccountDedup) Len() int {
	return d.set.Len()
}
