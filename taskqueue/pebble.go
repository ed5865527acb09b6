package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"vidserve/logger"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

const (
	readyPrefix    = "ready/"
	inflightPrefix = "inflight/"
)

type item struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	VisibleAt time.Time `json:"visible_at"`
	// LeaseUntil is set while the item is in flight
	LeaseUntil time.Time `json:"lease_until,omitempty"`
}

// PebbleQueue keeps items in a Pebble DB. Due items live under
// ready/<visibleAt>/<id>; a received item moves to inflight/<id> until it is
// acked or its lease expires.
type PebbleQueue struct {
	DB       *pebble.DB
	DataFile string

	lease time.Duration
	now   func() time.Time
	mu    sync.Mutex
}

// OpenPebble opens (or creates) the queue at dataFile. Items that were in
// flight when the previous process stopped become ready again.
func OpenPebble(dataFile string, lease time.Duration) (*PebbleQueue, error) {
	db, err := pebble.Open(dataFile, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	q := &PebbleQueue{DB: db, DataFile: dataFile, lease: lease, now: time.Now}
	n, err := q.requeueInflight(func(item) bool { return true })
	if err != nil {
		db.Close()
		return nil, err
	}
	if n > 0 {
		logger.Infof("Re-queued %d in-flight work items from %s", n, dataFile)
	}
	return q, nil
}

func (q *PebbleQueue) Enqueue(_ context.Context, jobID string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	it := item{ID: uuid.New().String(), JobID: jobID, VisibleAt: q.now().Add(delay)}
	data, err := json.Marshal(it)
	if err != nil {
		return err
	}
	return q.DB.Set(readyKey(it), data, pebble.Sync)
}

func (q *PebbleQueue) Receive(ctx context.Context) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if n, err := q.requeueInflight(func(it item) bool { return now.After(it.LeaseUntil) }); err != nil {
		return nil, err
	} else if n > 0 {
		logger.Warnf("Re-queued %d work items with expired leases", n)
	}

	iter, err := q.DB.NewIter(&pebble.IterOptions{
		LowerBound: []byte(readyPrefix),
		UpperBound: []byte(readyPrefix + timeKey(now.Add(time.Nanosecond))),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	if !iter.First() {
		return nil, iter.Error()
	}

	var it item
	if err := json.Unmarshal(iter.Value(), &it); err != nil {
		// drop the poison item rather than wedging the queue
		logger.Errorf("Dropping unreadable work item %s: %v", iter.Key(), err)
		key := append([]byte(nil), iter.Key()...)
		return nil, q.DB.Delete(key, pebble.Sync)
	}
	readyK := append([]byte(nil), iter.Key()...)

	it.LeaseUntil = now.Add(q.lease)
	data, err := json.Marshal(it)
	if err != nil {
		return nil, err
	}

	batch := q.DB.NewBatch()
	defer batch.Close()
	if err := batch.Delete(readyK, nil); err != nil {
		return nil, err
	}
	if err := batch.Set([]byte(inflightPrefix+it.ID), data, nil); err != nil {
		return nil, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to lease work item: %w", err)
	}

	return &Delivery{ID: it.ID, JobID: it.JobID, Receipt: it.ID, ReceivedAt: now}, nil
}

func (q *PebbleQueue) Ack(_ context.Context, d *Delivery) error {
	return q.DB.Delete([]byte(inflightPrefix+d.Receipt), pebble.Sync)
}

// Len returns the number of ready and in-flight items
func (q *PebbleQueue) Len() (ready, inflight int, err error) {
	iter, err := q.DB.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, 0, err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		switch k := string(iter.Key()); {
		case strings.HasPrefix(k, readyPrefix):
			ready++
		case strings.HasPrefix(k, inflightPrefix):
			inflight++
		}
	}
	return ready, inflight, nil
}

// Close closes the underlying DB.
func (q *PebbleQueue) Close() error {
	return q.DB.Close()
}

// requeueInflight moves matching in-flight items back to ready, due now
func (q *PebbleQueue) requeueInflight(match func(item) bool) (int, error) {
	iter, err := q.DB.NewIter(&pebble.IterOptions{
		LowerBound: []byte(inflightPrefix),
		UpperBound: []byte(prefixEnd(inflightPrefix)),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	batch := q.DB.NewBatch()
	defer batch.Close()

	n := 0
	now := q.now()
	for iter.First(); iter.Valid(); iter.Next() {
		var it item
		if err := json.Unmarshal(iter.Value(), &it); err != nil {
			logger.Errorf("Dropping unreadable in-flight item %s: %v", iter.Key(), err)
			if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
				return 0, err
			}
			continue
		}
		if !match(it) {
			continue
		}
		it.VisibleAt = now
		it.LeaseUntil = time.Time{}
		data, err := json.Marshal(it)
		if err != nil {
			return 0, err
		}
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return 0, err
		}
		if err := batch.Set(readyKey(it), data, nil); err != nil {
			return 0, err
		}
		n++
	}
	if err := iter.Error(); err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return 0, err
	}
	if batch.Empty() {
		return 0, nil
	}
	return n, batch.Commit(pebble.Sync)
}

func readyKey(it item) []byte {
	return []byte(readyPrefix + timeKey(it.VisibleAt) + "/" + it.ID)
}

// timeKey is a fixed width, lexically ordered timestamp
func timeKey(t time.Time) string {
	n := t.UnixNano()
	if n < 0 {
		n = 0
	}
	return fmt.Sprintf("%020d", n)
}

func prefixEnd(prefix string) string {
	b := []byte(prefix)
	b[len(b)-1]++
	return string(b)
}
