// Package workerpool is a small fixed pool with result rooms, used by
// the pipeline to wrap a data key for many grantees concurrently.
package workerpool

import (
	"runtime"
	"sync"
)

type Pool struct {
	config    Config
	taskQueue chan task
	closeOnce sync.Once
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

type Room struct {
	resultChan chan interface{}
	wg         sync.WaitGroup
	wp         *Pool
}

type task struct {
	run  func() interface{}
	room *Room
}

// New starts the pool. A non-positive worker count defaults to
// 3x the CPU count, matching encryption being CPU bound but short.
func New(config Config) *Pool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 1024
	}

	wp := &Pool{
		config:    config,
		taskQueue: make(chan task, config.GlobalBuffer),
	}
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *Pool) worker() {
	for t := range wp.taskQueue {
		t.room.resultChan <- t.run()
		t.room.wg.Done()
	}
}

// CreateRoom prepares a result room sized for the expected number of
// submissions.
func (wp *Pool) CreateRoom(size int) *Room {
	return &Room{
		resultChan: make(chan interface{}, size),
		wp:         wp,
	}
}

// Submit enqueues a job into the room. Blocks when the global buffer
// is full.
func (ro *Room) Submit(job func() interface{}) {
	ro.wg.Add(1)
	ro.wp.taskQueue <- task{run: job, room: ro}
}

// Wait blocks until every submitted job finished and returns their
// results in completion order.
func (ro *Room) Wait() []interface{} {
	ro.wg.Wait()
	close(ro.resultChan)

	var results []interface{}
	for r := range ro.resultChan {
		results = append(results, r)
	}
	return results
}

// Close stops the workers. Submitting after Close panics.
func (wp *Pool) Close() {
	wp.closeOnce.Do(func() {
		close(wp.taskQueue)
	})
}
