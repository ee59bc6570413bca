// Package quota enforces hourly and daily provider send caps, globally and
// per campaign. Counters live in BoltDB so a restart keeps counting.
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketQuota = []byte("send_quota")

// Level identifies which cap denied a reservation
type Level string

const (
	LevelGlobal   Level = "global"
	LevelCampaign Level = "campaign"
)

// Config contains quota configuration. A nil limit disables that level.
type Config struct {
	Global      *Limit `yaml:"global,omitempty"`
	PerCampaign *Limit `yaml:"per_campaign,omitempty"`
}

// Limit contains cap values; zero means unlimited
type Limit struct {
	MessagesPerHour int `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day" json:"messages_per_day"`
}

// Counter tracks usage inside the current hour and day windows
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Result contains the outcome of a reservation
type Result struct {
	Allowed    bool
	DeniedBy   Level
	RetryAfter time.Duration
}

// Quota reserves send capacity
type Quota struct {
	db  *bolt.DB
	cfg Config
	mu  sync.Mutex
}

// New creates a quota backed by db
func New(db *bolt.DB, cfg Config) (*Quota, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQuota)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quota bucket: %w", err)
	}
	return &Quota{db: db, cfg: cfg}, nil
}

// Open opens (or creates) the BoltDB file backing the quota
func Open(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open quota store: %w", err)
	}
	return db, nil
}

type check struct {
	level Level
	key   string
	limit *Limit
}

// Reserve takes n messages of capacity for campaignID at now. Either every
// applicable cap has room and all counters move, or nothing is reserved.
func (q *Quota) Reserve(ctx context.Context, campaignID string, n int, now time.Time) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	checks := q.checks(campaignID)
	result := &Result{Allowed: true}
	if len(checks) == 0 || n <= 0 {
		return result, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQuota)
		counters := make([]*Counter, len(checks))

		for i, c := range checks {
			counter := loadCounter(bucket, c.key, now)
			resetExpired(counter, now)
			counters[i] = counter

			if c.limit.MessagesPerHour > 0 && counter.HourlyCount+n > c.limit.MessagesPerHour {
				result.Allowed = false
				result.DeniedBy = c.level
				result.RetryAfter = counter.HourStart.Add(time.Hour).Sub(now)
				return nil
			}
			if c.limit.MessagesPerDay > 0 && counter.DailyCount+n > c.limit.MessagesPerDay {
				result.Allowed = false
				result.DeniedBy = c.level
				result.RetryAfter = counter.DayStart.Add(24 * time.Hour).Sub(now)
				return nil
			}
		}

		for i, c := range checks {
			counters[i].HourlyCount += n
			counters[i].DailyCount += n
			data, err := json.Marshal(counters[i])
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(c.key), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update quota: %w", err)
	}
	return result, nil
}

// Usage returns the current counter for a level and key without changing it
func (q *Quota) Usage(level Level, key string, now time.Time) (*Counter, error) {
	var counter *Counter
	err := q.db.View(func(tx *bolt.Tx) error {
		counter = loadCounter(tx.Bucket(bucketQuota), makeKey(level, key), now)
		resetExpired(counter, now)
		return nil
	})
	return counter, err
}

func (q *Quota) checks(campaignID string) []check {
	var checks []check
	if q.cfg.Global != nil {
		checks = append(checks, check{level: LevelGlobal, key: makeKey(LevelGlobal, "global"), limit: q.cfg.Global})
	}
	if campaignID != "" && q.cfg.PerCampaign != nil {
		checks = append(checks, check{level: LevelCampaign, key: makeKey(LevelCampaign, campaignID), limit: q.cfg.PerCampaign})
	}
	return checks
}

func loadCounter(bucket *bolt.Bucket, key string, now time.Time) *Counter {
	counter := &Counter{HourStart: now, DayStart: now}
	if bucket == nil {
		return counter
	}
	if data := bucket.Get([]byte(key)); data != nil {
		var stored Counter
		if json.Unmarshal(data, &stored) == nil {
			counter = &stored
		}
	}
	return counter
}

func resetExpired(counter *Counter, now time.Time) {
	if now.Sub(counter.HourStart) >= time.Hour {
		counter.HourlyCount = 0
		counter.HourStart = now
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		counter.DailyCount = 0
		counter.DayStart = now
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
