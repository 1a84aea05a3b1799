package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github-mirror/internal/model"
	"github-mirror/internal/store"
)

const (
	writeBuffer  = 256
	writeTimeout = 10 * time.Second
)

type writeOp struct {
	name  string
	run   func(ctx context.Context, st store.Store) error
	flush chan struct{}
}

// writer applies persistence operations in FIFO order on one goroutine.
// Failures are logged and dropped; memory stays authoritative.
type writer struct {
	st     store.Store
	logger *slog.Logger
	ops    chan writeOp

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newWriter(st store.Store, logger *slog.Logger) *writer {
	w := &writer{
		st:     st,
		logger: logger,
		ops:    make(chan writeOp, writeBuffer),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *writer) loop() {
	defer close(w.done)
	for op := range w.ops {
		if op.flush != nil {
			close(op.flush)
			continue
		}
		if w.st == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := op.run(ctx, w.st); err != nil {
			w.logger.Error("Failed to persist cache write", "op", op.name, "error", err)
		}
		cancel()
	}
}

func (w *writer) submit(op writeOp) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	w.ops <- op
	return true
}

func (w *writer) putRecords(kind model.Kind, records []store.Record) {
	w.submit(writeOp{name: "put " + string(kind), run: func(ctx context.Context, st store.Store) error {
		return st.PutRecords(ctx, kind, records)
	}})
}

func (w *writer) deleteRecords(kind model.Kind, ids []int64) {
	w.submit(writeOp{name: "delete " + string(kind), run: func(ctx context.Context, st store.Store) error {
		return st.DeleteRecords(ctx, kind, ids)
	}})
}

func (w *writer) putScope(meta model.ScopeMeta) {
	w.submit(writeOp{name: "scope " + meta.Scope, run: func(ctx context.Context, st store.Store) error {
		return st.PutScopeMeta(ctx, meta)
	}})
}

func (w *writer) putSearch(result model.SearchResult) {
	w.submit(writeOp{name: "search", run: func(ctx context.Context, st store.Store) error {
		return st.PutSearchResult(ctx, result)
	}})
}

func (w *writer) purgeSearches(before time.Time) {
	w.submit(writeOp{name: "purge searches", run: func(ctx context.Context, st store.Store) error {
		_, err := st.DeleteSearchResultsBefore(ctx, before)
		return err
	}})
}

func (w *writer) clear() {
	w.submit(writeOp{name: "clear", run: func(ctx context.Context, st store.Store) error {
		return st.Clear(ctx)
	}})
}

// flush blocks until every write submitted before it has been applied.
func (w *writer) flush(ctx context.Context) error {
	ch := make(chan struct{})
	if !w.submit(writeOp{flush: ch}) {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close drains pending writes and stops the goroutine.
func (w *writer) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.ops)
	w.mu.Unlock()
	<-w.done
}
