package budget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLedger is a Ledger on Redis, for fleets where several engine
// processes charge the same owners.
//
// Charges accumulate with INCRBYFLOAT into window-aligned keys:
//
//	flowline:budget:{owner}:day:{2006-01-02}
//	flowline:budget:{owner}:spike:{bucket start unix}
//
// Keys expire on their own, so the ledger needs no cleanup job. The spike
// total sums every bucket overlapping the window, which over-approximates a
// true rolling window by at most one bucket width; the guard errs on the
// side of denying.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLedger creates a ledger on an existing Redis client.
func NewRedisLedger(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client, prefix: "flowline:budget"}
}

func (l *RedisLedger) dayKey(owner string, now time.Time) string {
	return fmt.Sprintf("%s:%s:day:%s", l.prefix, owner, now.UTC().Format("2006-01-02"))
}

func (l *RedisLedger) spikeKey(owner string, bucketStart int64) string {
	return fmt.Sprintf("%s:%s:spike:%d", l.prefix, owner, bucketStart)
}

func spikeBucket(now time.Time, window time.Duration) int64 {
	return now.UTC().Truncate(window).Unix()
}

// Record implements Ledger. A non-empty key claims a SETNX sentinel first;
// losing the claim means the charge already landed and the increments are
// skipped. All keys live 48h, comfortably outlasting their window.
func (l *RedisLedger) Record(ctx context.Context, owner, key string, amount float64, now time.Time) error {
	if key != "" {
		fresh, err := l.client.SetNX(ctx, l.prefix+":seen:"+key, 1, 48*time.Hour).Result()
		if err != nil {
			return fmt.Errorf("failed to claim charge key: %w", err)
		}
		if !fresh {
			return nil
		}
	}

	pipe := l.client.TxPipeline()

	day := l.dayKey(owner, now)
	pipe.IncrByFloat(ctx, day, amount)
	pipe.Expire(ctx, day, 48*time.Hour)

	bucket := l.spikeKey(owner, spikeBucket(now, spikeBucketWidth))
	pipe.IncrByFloat(ctx, bucket, amount)
	pipe.Expire(ctx, bucket, 48*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record charge: %w", err)
	}
	return nil
}

// spikeBucketWidth is the fixed granularity spike charges are bucketed at.
// WindowTotals sums however many buckets the guard's window spans.
const spikeBucketWidth = 5 * time.Minute

// WindowTotals implements Ledger.
func (l *RedisLedger) WindowTotals(ctx context.Context, owner string, now time.Time, spikeWindow time.Duration) (float64, float64, error) {
	keys := []string{l.dayKey(owner, now)}

	// Buckets overlapping [now-spikeWindow, now].
	start := spikeBucket(now.Add(-spikeWindow), spikeBucketWidth)
	end := spikeBucket(now, spikeBucketWidth)
	for b := start; b <= end; b += int64(spikeBucketWidth / time.Second) {
		keys = append(keys, l.spikeKey(owner, b))
	}

	vals, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read budget keys: %w", err)
	}

	parse := func(v interface{}) (float64, error) {
		if v == nil {
			return 0, nil
		}
		s, ok := v.(string)
		if !ok {
			return 0, fmt.Errorf("unexpected redis value type %T", v)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse budget value %q: %w", s, err)
		}
		return f, nil
	}

	daily, err := parse(vals[0])
	if err != nil {
		return 0, 0, err
	}
	var spike float64
	for _, v := range vals[1:] {
		f, err := parse(v)
		if err != nil {
			return 0, 0, err
		}
		spike += f
	}
	return daily, spike, nil
}
