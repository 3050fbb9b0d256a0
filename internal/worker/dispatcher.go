package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDispatcherBusy is returned when the inbound job queue is full.
var ErrDispatcherBusy = errors.New("dispatcher queue full")

// Job is one unit of work attributed to a user. Fairness is per user: a
// user with many queued jobs cannot starve the others.
type Job struct {
	UserID uuid.UUID
	Run    func()
}

// DispatcherConfig sizes the worker pool and the inbound queue.
type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

// queuedJob carries the user's cancellation generation captured at submit
// time, so CancelUser can void jobs wherever they currently sit.
type queuedJob struct {
	job Job
	gen uint64
}

type userQueue struct {
	jobs     []queuedJob
	enqueued bool
}

// Dispatcher hands jobs to a bounded elastic worker pool, rotating between
// users LRU-style so each user gets at most one job per turn.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan queuedJob

	mu        sync.Mutex
	gens      map[uuid.UUID]uint64
	queues    map[uuid.UUID]*userQueue
	ready     *list.List // LRU queue of user IDs with pending jobs
	positions map[uuid.UUID]*list.Element
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	pool := newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout)

	d := &Dispatcher{
		pool:      pool,
		jobQueue:  make(chan queuedJob, cfg.QueueSize),
		gens:      make(map[uuid.UUID]uint64),
		queues:    make(map[uuid.UUID]*userQueue),
		ready:     list.New(),
		positions: make(map[uuid.UUID]*list.Element),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues one job, failing fast when the queue is saturated.
func (d *Dispatcher) Submit(job Job) error {
	if job.Run == nil {
		return errors.New("job must have a run function")
	}
	d.mu.Lock()
	gen := d.gens[job.UserID]
	d.mu.Unlock()
	select {
	case d.jobQueue <- queuedJob{job: job, gen: gen}:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

// CancelUser voids all jobs the user submitted before this call. Jobs
// already running are unaffected.
func (d *Dispatcher) CancelUser(userID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gens[userID]++
	delete(d.queues, userID)
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
}

func (d *Dispatcher) run() {
	for {
		d.drainInbound()
		if !d.dispatchOne() {
			qj := <-d.jobQueue // nothing pending, block for work
			d.enqueueJob(qj)
		}
	}
}

// drainInbound moves every waiting submission into the per-user queues so
// the fairness rotation sees the whole backlog, not one job at a time.
func (d *Dispatcher) drainInbound() {
	for {
		select {
		case qj := <-d.jobQueue:
			d.enqueueJob(qj)
		default:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(qj queuedJob) {
	d.mu.Lock()
	defer d.mu.Unlock()

	userID := qj.job.UserID
	if qj.gen != d.gens[userID] {
		return // cancelled while in flight
	}
	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, qj)
	if q.enqueued {
		return
	}
	q.enqueued = true
	elem := d.ready.PushBack(userID)
	d.positions[userID] = elem
}

// dispatchOne pops the least-recently-served user's next job and hands it
// to a worker, rotating that user to the back of the queue.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(uuid.UUID)
	q := d.queues[userID]
	qj := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()

	d.mu.Lock()
	stale := qj.gen != d.gens[userID]
	d.mu.Unlock()
	if stale {
		d.pool.release(workerChan)
		return true
	}
	workerChan <- qj.job
	return true
}
