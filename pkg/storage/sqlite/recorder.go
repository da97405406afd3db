package sqlite

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rexliu/drvlink/pkg/conn"
)

const (
	recorderBuffer = 1024
	recorderBatch  = 256
)

type recordKind int

const (
	recFrame recordKind = iota
	recCreate
	recDispose
)

type record struct {
	kind   recordKind
	frame  Frame
	parent string
	typ    string
	guid   string
	guids  []string
	at     time.Time
}

// Logger receives write failures.
type Logger interface {
	Printf(format string, args ...any)
}

// Recorder persists connection traffic into a session. It implements
// conn.Tracer: callbacks only enqueue, a single goroutine writes batches in
// transactions. When the queue is full records are dropped and counted.
type Recorder struct {
	store      *Store
	session    string
	maxPayload int
	logger     Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan record
	done    chan struct{}
	seq     atomic.Int64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

var _ conn.Tracer = (*Recorder)(nil)

// NewRecorder starts a recorder for sessionID. Payloads longer than
// maxPayload bytes are cut and flagged; 0 keeps them whole.
func NewRecorder(store *Store, sessionID string, maxPayload int, logger Logger) *Recorder {
	r := &Recorder{
		store:      store,
		session:    sessionID,
		maxPayload: maxPayload,
		logger:     logger,
		queue:      make(chan record, recorderBuffer),
		done:       make(chan struct{}),
	}
	go r.loop()
	return r
}

// SessionID returns the session being recorded.
func (r *Recorder) SessionID() string { return r.session }

// Dropped counts records lost to a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Failed counts records lost to database errors.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

func (r *Recorder) TraceFrame(f conn.TraceFrame) {
	payload := f.Payload
	truncated := false
	if r.maxPayload > 0 && len(payload) > r.maxPayload {
		payload, truncated = payload[:r.maxPayload], true
	}
	r.enqueue(record{kind: recFrame, at: f.At, frame: Frame{
		SessionID: r.session,
		Seq:       r.seq.Add(1),
		Direction: string(f.Direction),
		Kind:      f.Kind,
		ID:        f.ID,
		GUID:      f.GUID,
		Method:    f.Method,
		Payload:   append([]byte(nil), payload...),
		Truncated: truncated,
		At:        f.At,
	}})
}

func (r *Recorder) TraceCreate(parentGUID, typeTag, guid string) {
	r.enqueue(record{kind: recCreate, parent: parentGUID, typ: typeTag, guid: guid, at: time.Now()})
}

func (r *Recorder) TraceDispose(guids []string) {
	r.enqueue(record{kind: recDispose, guids: append([]string(nil), guids...), at: time.Now()})
}

func (r *Recorder) enqueue(rec record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
	}
}

// Close flushes queued records and stops the writer. It does not close the
// store.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
	if n := r.dropped.Load(); n > 0 {
		r.logf("trace %s: dropped %d records", r.session, n)
	}
	return nil
}

func (r *Recorder) loop() {
	defer close(r.done)
	batch := make([]record, 0, recorderBatch)
	for rec := range r.queue {
		batch = append(batch[:0], rec)
	drain:
		for len(batch) < recorderBatch {
			select {
			case next, ok := <-r.queue:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		if err := r.write(batch); err != nil {
			r.failed.Add(uint64(len(batch)))
			r.logf("trace %s: write batch: %v", r.session, err)
		}
	}
}

func (r *Recorder) write(batch []record) error {
	ctx := context.Background()
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, rec := range batch {
		switch rec.kind {
		case recFrame:
			err = insertFrame(ctx, tx, rec.frame)
		case recCreate:
			err = insertObject(ctx, tx, r.session, rec.parent, rec.typ, rec.guid, rec.at)
		case recDispose:
			err = markDisposed(ctx, tx, r.session, rec.guids, rec.at)
		}
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (r *Recorder) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
