package internal

type WorkerPool struct {
	N  int
	ch chan func()
}

// NewWorkerPool makes a pool that runs up to n jobs concurrently. For push
// delivery, n should track how many requests the provider connection can
// multiplex. The queue is bounded at n, so once the workers are saturated
// Queue blocks the producer instead of accumulating work in memory.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Call once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the pool. Call once; mainly for tests, a pool normally lives for the
// whole process.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work. Blocks when all workers are busy and the queue is full.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
