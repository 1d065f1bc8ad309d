package orderqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/dexroute/swapd/pkg/metrics"
	"github.com/dexroute/swapd/pkg/models"
)

// Key prefixes. Pending keys embed the ready-at timestamp so Badger's key
// order doubles as the schedule order; done/dead keys embed the completion
// time so retention pruning can read age off the key.
const (
	pendPrefix = "pend:"
	donePrefix = "done:"
	deadPrefix = "dead:"
)

// Config tunes retry policy and retention. Zero values get defaults.
type Config struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	MaxBackoff    time.Duration
	CompletedKeep int           // bounded count of retained completed jobs
	CompletedAge  time.Duration // bounded age of retained completed jobs
	DeadKeep      int           // bounded count of retained dead-lettered jobs
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.CompletedKeep == 0 {
		c.CompletedKeep = 1000
	}
	if c.CompletedAge == 0 {
		c.CompletedAge = 24 * time.Hour
	}
	if c.DeadKeep == 0 {
		c.DeadKeep = 5000
	}
}

// DeadLetter is the retained record of a job that exhausted its retries.
type DeadLetter struct {
	Job    Job       `json:"job"`
	Reason string    `json:"reason"`
	Time   time.Time `json:"time"`
}

// readyEntry is the in-memory schedule index entry for a pending job.
type readyEntry struct {
	readyAt int64 // unix nanos
	jobID   string
	key     string // badger key holding the job
}

func readyLess(a, b readyEntry) bool {
	if a.readyAt != b.readyAt {
		return a.readyAt < b.readyAt
	}
	return a.jobID < b.jobID
}

// BadgerQueue is the disk-backed job queue. Jobs survive restarts: pending
// keys are replayed into the in-memory schedule index on open, which is how
// a claimed-but-unacknowledged job comes back (at-least-once delivery).
type BadgerQueue struct {
	db     *badger.DB
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	ready    *btree.BTreeG[readyEntry]
	inflight map[string]struct{}
}

// NewBadgerQueue opens (or creates) the queue at path and replays pending
// jobs into the schedule index.
func NewBadgerQueue(path string, cfg Config, logger *zap.Logger) (*BadgerQueue, error) {
	cfg.applyDefaults()

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}

	q := &BadgerQueue{
		db:       db,
		cfg:      cfg,
		logger:   logger.Named("orderqueue"),
		ready:    btree.NewBTreeG(readyLess),
		inflight: make(map[string]struct{}),
	}
	if err := q.replayPending(); err != nil {
		db.Close()
		return nil, err
	}
	metrics.QueueDepth.Set(float64(q.ready.Len()))
	return q, nil
}

func pendKey(readyAt time.Time, jobID string) string {
	return fmt.Sprintf("%s%020d:%s", pendPrefix, readyAt.UnixNano(), jobID)
}

// Submit snapshots the order into a new job using the queue's retry policy
// and enqueues it.
func (q *BadgerQueue) Submit(ctx context.Context, order models.Order) error {
	return q.Enqueue(ctx, NewJob(order, q.cfg.MaxAttempts, q.cfg.BackoffBase))
}

// Enqueue persists the job and schedules it.
func (q *BadgerQueue) Enqueue(ctx context.Context, job Job) error {
	key := pendKey(job.ReadyAt, job.ID)
	val, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", job.ID, err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
	if err != nil {
		return fmt.Errorf("enqueuing job %s: %w", job.ID, err)
	}

	q.mu.Lock()
	q.ready.Set(readyEntry{readyAt: job.ReadyAt.UnixNano(), jobID: job.ID, key: key})
	metrics.QueueDepth.Set(float64(q.ready.Len()))
	q.mu.Unlock()

	q.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("order_id", job.Order.OrderID))
	return nil
}

// Claim hands out the next job whose ready time has passed, marking it
// in-flight. Returns ok=false when nothing is ready. The durable record is
// kept until Complete or Fail, so a worker crash re-delivers on restart.
func (q *BadgerQueue) Claim(ctx context.Context) (Job, bool, error) {
	q.mu.Lock()
	now := time.Now().UTC().UnixNano()
	var picked *readyEntry
	q.ready.Scan(func(e readyEntry) bool {
		if e.readyAt > now {
			return false // index is time-ordered, nothing further is ready
		}
		if _, busy := q.inflight[e.jobID]; busy {
			return true
		}
		picked = &e
		return false
	})
	if picked == nil {
		q.mu.Unlock()
		return Job{}, false, nil
	}
	q.inflight[picked.jobID] = struct{}{}
	q.ready.Delete(*picked)
	q.mu.Unlock()

	var job Job
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(picked.key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &job)
		})
	})
	if err != nil {
		q.mu.Lock()
		delete(q.inflight, picked.jobID)
		q.mu.Unlock()
		return Job{}, false, fmt.Errorf("loading job %s: %w", picked.jobID, err)
	}
	return job, true, nil
}

// Complete acknowledges a successful attempt: the pending record is removed
// and the job is retained briefly under the done prefix for observability.
func (q *BadgerQueue) Complete(ctx context.Context, job Job) error {
	now := time.Now().UTC()
	doneKey := fmt.Sprintf("%s%020d:%s", donePrefix, now.UnixNano(), job.ID)
	val, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", job.ID, err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(pendKey(job.ReadyAt, job.ID))); err != nil {
			return err
		}
		if err := txn.Set([]byte(doneKey), val); err != nil {
			return err
		}
		return prunePrefix(txn, donePrefix, q.cfg.CompletedKeep, q.cfg.CompletedAge)
	})
	if err != nil {
		return fmt.Errorf("completing job %s: %w", job.ID, err)
	}

	q.mu.Lock()
	delete(q.inflight, job.ID)
	metrics.QueueDepth.Set(float64(q.ready.Len()))
	q.mu.Unlock()

	metrics.JobsCompleted.Inc()
	q.logger.Info("job completed", zap.String("job_id", job.ID))
	return nil
}

// Fail records a failed attempt. Attempts remaining, the job is rescheduled
// with exponential backoff; otherwise it moves to the dead-letter record.
// Returns whether a retry was scheduled.
func (q *BadgerQueue) Fail(ctx context.Context, job Job, jobErr error) (bool, error) {
	oldKey := pendKey(job.ReadyAt, job.ID)
	job.Attempt++
	job.LastError = jobErr.Error()

	if job.Attempt >= job.MaxAttempts {
		return false, q.deadLetter(job, oldKey, jobErr)
	}

	delay := nextBackoff(job.BackoffBase, job.Attempt, q.cfg.MaxBackoff)
	job.ReadyAt = time.Now().UTC().Add(delay)
	newKey := pendKey(job.ReadyAt, job.ID)
	val, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshaling job %s: %w", job.ID, err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(oldKey)); err != nil {
			return err
		}
		return txn.Set([]byte(newKey), val)
	})
	if err != nil {
		return false, fmt.Errorf("rescheduling job %s: %w", job.ID, err)
	}

	q.mu.Lock()
	delete(q.inflight, job.ID)
	q.ready.Set(readyEntry{readyAt: job.ReadyAt.UnixNano(), jobID: job.ID, key: newKey})
	metrics.QueueDepth.Set(float64(q.ready.Len()))
	q.mu.Unlock()

	metrics.JobsRetried.Inc()
	q.logger.Warn("job attempt failed, retry scheduled",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
		zap.Error(jobErr))
	return true, nil
}

func (q *BadgerQueue) deadLetter(job Job, pendingKey string, jobErr error) error {
	now := time.Now().UTC()
	deadKey := fmt.Sprintf("%s%020d:%s", deadPrefix, now.UnixNano(), job.ID)
	val, err := json.Marshal(DeadLetter{Job: job, Reason: jobErr.Error(), Time: now})
	if err != nil {
		return fmt.Errorf("marshaling dead letter %s: %w", job.ID, err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(pendingKey)); err != nil {
			return err
		}
		if err := txn.Set([]byte(deadKey), val); err != nil {
			return err
		}
		return prunePrefix(txn, deadPrefix, q.cfg.DeadKeep, 0)
	})
	if err != nil {
		return fmt.Errorf("dead-lettering job %s: %w", job.ID, err)
	}

	q.mu.Lock()
	delete(q.inflight, job.ID)
	metrics.QueueDepth.Set(float64(q.ready.Len()))
	q.mu.Unlock()

	metrics.JobsDeadLettered.Inc()
	q.logger.Error("job dead-lettered after exhausting retries",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempt),
		zap.Error(jobErr))
	return nil
}

// DeadLetters returns up to limit retained dead-letter records, oldest first.
func (q *BadgerQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	var out []DeadLetter
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(deadPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var dl DeadLetter
			err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &dl) })
			if err != nil {
				return err
			}
			out = append(out, dl)
		}
		return nil
	})
	return out, err
}

// Depth returns the number of jobs pending or scheduled for retry.
func (q *BadgerQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + len(q.inflight)
}

// Close releases the underlying store.
func (q *BadgerQueue) Close() error {
	return q.db.Close()
}

// replayPending rebuilds the schedule index from the durable pending keys.
func (q *BadgerQueue) replayPending() error {
	return q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(pendPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			readyAt, jobID, err := parsePendKey(key)
			if err != nil {
				q.logger.Warn("skipping unparseable queue key", zap.String("key", key), zap.Error(err))
				continue
			}
			q.ready.Set(readyEntry{readyAt: readyAt, jobID: jobID, key: key})
		}
		if q.ready.Len() > 0 {
			q.logger.Info("replayed pending jobs", zap.Int("count", q.ready.Len()))
		}
		return nil
	})
}

func parsePendKey(key string) (int64, string, error) {
	rest := key[len(pendPrefix):]
	sep := strings.IndexByte(rest, ':')
	if sep < 0 {
		return 0, "", fmt.Errorf("malformed queue key %q", key)
	}
	readyAt, err := strconv.ParseInt(rest[:sep], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed queue key %q: %w", key, err)
	}
	return readyAt, rest[sep+1:], nil
}

// prunePrefix bounds a retention prefix by count and, when maxAge > 0, by
// age. Keys under the prefix sort by write time, so the oldest come first.
func prunePrefix(txn *badger.Txn, prefix string, keep int, maxAge time.Duration) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	p := []byte(prefix)
	var keys []string
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		keys = append(keys, string(it.Item().Key()))
	}
	it.Close()

	cutoff := int64(0)
	if maxAge > 0 {
		cutoff = time.Now().UTC().Add(-maxAge).UnixNano()
	}
	for i, key := range keys {
		tooMany := len(keys)-i > keep
		tooOld := false
		if cutoff > 0 {
			if ts, err := strconv.ParseInt(key[len(prefix):len(prefix)+20], 10, 64); err == nil {
				tooOld = ts < cutoff
			}
		}
		if !tooMany && !tooOld {
			break
		}
		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}
	}
	return nil
}
