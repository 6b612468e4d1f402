package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"admission-service/internal/config"
)

const dateLayout = "2006-01-02"

// BucketingManager assigns events to stable hash buckets and UTC day buckets.
type BucketingManager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	buckets := cfg.Bucketing.EventBuckets
	if buckets <= 0 {
		buckets = 1
	}
	bm := &BucketingManager{
		eventBuckets: buckets,
	}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetEventBucket returns the bucket (0 to eventBuckets-1) for an event identifier.
// The same identifier always lands in the same bucket, which keeps every event
// of one IP on one Kafka partition.
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return int(bm.getHash(identifier) % uint64(bm.eventBuckets))
}

// GetDateBucket returns today's UTC date bucket
func (bm *BucketingManager) GetDateBucket() string {
	return DateBucket(time.Now())
}

func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

// DateBucket formats t as its UTC day, e.g. "2024-03-09".
func DateBucket(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// DateBuckets returns the day buckets of the last days days ending at end, oldest first.
func DateBuckets(end time.Time, days int) []string {
	if days <= 0 {
		return nil
	}
	end = end.UTC()
	out := make([]string, 0, days)
	for i := days - 1; i >= 0; i-- {
		out = append(out, end.AddDate(0, 0, -i).Format(dateLayout))
	}
	return out
}
