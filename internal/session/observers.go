package session

import (
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/giantstar-manager/warudo-cam/internal/monitoring"
)

type observer[T any] struct {
	id int64
	fn func(T)
}

// observers is an ordered callback list. Each callback runs in its own
// recover boundary so a panicking observer cannot stop the others.
type observers[T any] struct {
	name      string
	logger    *zap.Logger
	collector *monitoring.Collector

	mu     sync.Mutex
	nextID int64
	list   []observer[T]
}

func (o *observers[T]) add(fn func(T)) (unsubscribe func(), err error) {
	if fn == nil {
		return nil, ErrInvalidObserver
	}

	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.list = append(o.list, observer[T]{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, ob := range o.list {
				if ob.id == id {
					o.list = append(o.list[:i:i], o.list[i+1:]...)
					return
				}
			}
		})
	}, nil
}

func (o *observers[T]) notify(v T) {
	o.mu.Lock()
	list := append([]observer[T](nil), o.list...)
	o.mu.Unlock()

	for _, ob := range list {
		o.call(ob.fn, v)
	}
}

func (o *observers[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("observer panicked",
				zap.String("observer", o.name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			o.collector.ObserverPanic(o.name)
		}
	}()
	fn(v)
}

func (o *observers[T]) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.list)
}
