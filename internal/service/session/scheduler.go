package session

import (
	"sync"
	"time"
)

// Scheduler runs cancellable periodic tasks.
type Scheduler interface {
	Every(period time.Duration, fn func()) Task
}

// Task is the handle of a periodic task. Cancel stops future runs and reports
// whether this call was the one that cancelled it. A run that already started
// is allowed to finish.
type Task interface {
	Cancel() bool
}

// TickerScheduler backs every task with its own time.Ticker goroutine.
type TickerScheduler struct {
	wg sync.WaitGroup
}

// NewTickerScheduler 创建基于 ticker 的调度器
func NewTickerScheduler() *TickerScheduler {
	return &TickerScheduler{}
}

// Every runs fn once per period, starting one period from now.
func (s *TickerScheduler) Every(period time.Duration, fn func()) Task {
	task := &tickerTask{stop: make(chan struct{})}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-task.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	return task
}

// Wait blocks until every cancelled task goroutine has exited. Manager.Shutdown
// calls it after cancelling every session task.
func (s *TickerScheduler) Wait() {
	s.wg.Wait()
}

type tickerTask struct {
	stop chan struct{}
	once sync.Once
}

func (t *tickerTask) Cancel() bool {
	cancelled := false
	t.once.Do(func() {
		close(t.stop)
		cancelled = true
	})
	return cancelled
}
