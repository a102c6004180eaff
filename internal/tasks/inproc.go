package tasks

import (
	"context"
	"log"
	"sync"
)

// InProc runs tasks on a single worker goroutine behind a bounded queue.
// A full queue rejects the submission; the request path must never block
// on background work.
type InProc struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	queue    chan Task
	done     chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewInProc(queueSize int) *InProc {
	if queueSize <= 0 {
		queueSize = 1000
	}
	d := &InProc{
		handlers: make(map[string]Handler),
		queue:    make(chan Task, queueSize),
		done:     make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Handle registers the handler for a task kind. Registration happens during
// wiring, before any Submit.
func (d *InProc) Handle(kind string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = handler
}

// Submit enqueues the task without blocking. The send happens under the
// read lock: Close takes the write lock before signaling the drain, so a
// task accepted here is always in the queue by the time the drain runs.
func (d *InProc) Submit(task Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if _, known := d.handlers[task.Kind]; !known {
		return ErrUnknownKind
	}

	select {
	case d.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *InProc) loop() {
	defer d.wg.Done()
	for {
		select {
		case task := <-d.queue:
			d.run(task)
		case <-d.done:
			// Drain what was accepted before Close.
			for {
				select {
				case task := <-d.queue:
					d.run(task)
				default:
					return
				}
			}
		}
	}
}

func (d *InProc) run(task Task) {
	d.mu.RLock()
	handler := d.handlers[task.Kind]
	d.mu.RUnlock()
	if handler == nil {
		log.Printf("task %s dropped: no handler", task.Kind)
		return
	}
	if err := handler(context.Background(), task.Payload); err != nil {
		log.Printf("task %s failed: %v", task.Kind, err)
	}
}

func (d *InProc) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()
	return nil
}
