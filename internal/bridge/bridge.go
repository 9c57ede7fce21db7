// Package bridge translates filesystem driver calls into FTP operations.
//
// A Bridge owns the metadata cache and the executor that serializes all
// traffic on the single FTP connection. Its exported methods are the driver
// verbs; each returns a Status that driver adapters hand back to the kernel.
package bridge

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tuusuario/ftpdrive/internal/events"
	"github.com/tuusuario/ftpdrive/internal/logging"
	"github.com/tuusuario/ftpdrive/internal/metrics"
	"github.com/tuusuario/ftpdrive/internal/remote"
)

// DefaultCapacity is the free space reported when none is configured.
const DefaultCapacity uint64 = 1 << 30

// Options configures a Bridge.
type Options struct {
	// Capacity is reported as free space. Zero means DefaultCapacity.
	Capacity uint64
	// Events receives method-call and debug events. May be nil.
	Events *events.Bus
	// Now is the clock used for new entries. Defaults to time.Now.
	Now func() time.Time
}

// Bridge implements the driver verbs on top of a remote.Client.
type Bridge struct {
	cache    *Cache
	exec     *Executor
	bus      *events.Bus
	capacity uint64
	now      func() time.Time
	log      *zap.Logger
}

// New creates a bridge whose cache holds the root directory and starts the
// executor that will own client.
func New(client remote.Client, opts Options) *Bridge {
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bridge{
		cache:    NewCache(NewDirEntry(opts.Now())),
		exec:     NewExecutor(client, opts.Events),
		bus:      opts.Events,
		capacity: opts.Capacity,
		now:      opts.Now,
		log:      logging.Named("bridge"),
	}
}

// Close drains the executor. Handlers called afterwards fail.
func (b *Bridge) Close() {
	b.exec.Close()
}

// Cache exposes the metadata cache to driver adapters.
func (b *Bridge) Cache() *Cache {
	return b.cache
}

func (b *Bridge) methodCall(format string, args ...any) {
	b.bus.Publish(events.MethodCall, fmt.Sprintf(format, args...))
}

func (b *Bridge) debug(format string, args ...any) {
	b.bus.Publish(events.Debug, fmt.Sprintf(format, args...))
}

// finish records the outcome of a handler and returns st.
func (b *Bridge) finish(verb string, st Status) Status {
	metrics.RecordHandler(verb, int(st))
	return st
}

// fail logs err for the handler and returns the status it maps to.
func (b *Bridge) fail(verb, p string, err error) Status {
	st := StatusOf(err)
	if st == StatusNotFound {
		b.log.Debug(verb+" target missing", zap.String("path", p), zap.Error(err))
	} else {
		b.log.Warn(verb+" failed", zap.String("path", p), zap.Error(err))
	}
	return b.finish(verb, st)
}
