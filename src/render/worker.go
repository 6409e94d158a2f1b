package render

import (
	"image"

	"github.com/Devanish31/Annot/src/commons"
	"github.com/Devanish31/Annot/src/overlay"
	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
)

// Job composites the masks of one frame.
type Job struct {
	Index  int
	Path   string
	Layers []overlay.Layer
	result *pending
}

func (j Job) run() {
	img, err := imaging.Open(j.Path)
	if err != nil {
		j.result.resolve(nil, commons.Wrap(commons.EncodingError, err, "couldn't read frame"))
		return
	}
	j.result.resolve(overlay.Composite(img, j.Layers))
}

// pending is the outcome of a job, filled in by the worker that ran it.
type pending struct {
	done chan struct{}
	img  *image.NRGBA
	err  error
}

func newPending() *pending {
	return &pending{done: make(chan struct{})}
}

func (p *pending) resolve(img *image.NRGBA, err error) {
	p.img = img
	p.err = err
	close(p.done)
}

// NewWorker creates takes a numeric id and a channel w/ worker pool.
func NewWorker(id int, workerPool chan chan Job, quit <-chan struct{}) Worker {
	return Worker{
		id:         id,
		jobQueue:   make(chan Job),
		workerPool: workerPool,
		quit:       quit,
	}
}

type Worker struct {
	id         int
	jobQueue   chan Job
	workerPool chan chan Job
	quit       <-chan struct{}
}

func (w Worker) start() {
	go func() {
		log.Debug("[Worker] Worker ", w.id, " starting")
		defer log.Debug("[Worker] Worker ", w.id, " stopping")
		for {
			// Add my jobQueue to the worker pool.
			select {
			case w.workerPool <- w.jobQueue:
			case <-w.quit:
				return
			}

			select {
			case job := <-w.jobQueue:
				job.run()
				if job.result.err != nil {
					log.WithFields(log.Fields{"worker": w.id, "frame": job.Index}).Debug("[Worker] Job failed: ", job.result.err.Error())
				}
			case <-w.quit:
				return
			}
		}
	}()
}

// NewDispatcher creates, and returns a new Dispatcher object.
func NewDispatcher(jobQueue chan Job, maxWorkers int) *Dispatcher {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Dispatcher{
		jobQueue:   jobQueue,
		maxWorkers: maxWorkers,
		workerPool: make(chan chan Job, maxWorkers),
		quit:       make(chan struct{}),
	}
}

type Dispatcher struct {
	workerPool chan chan Job
	maxWorkers int
	jobQueue   chan Job
	quit       chan struct{}
	stopped    bool
}

func (d *Dispatcher) run() {
	for i := 0; i < d.maxWorkers; i++ {
		worker := NewWorker(i+1, d.workerPool, d.quit)
		worker.start()
	}

	go d.dispatch()
}

// dispatch hands jobs to idle workers in the order they were queued.
func (d *Dispatcher) dispatch() {
	for {
		select {
		case job := <-d.jobQueue:
			select {
			case workerJobQueue := <-d.workerPool:
				select {
				case workerJobQueue <- job:
				case <-d.quit:
					return
				}
			case <-d.quit:
				return
			}
		case <-d.quit:
			return
		}
	}
}

// stop shuts the workers down. Jobs that haven't started are dropped.
func (d *Dispatcher) stop() {
	if d.stopped {
		return
	}
	d.stopped = true
	close(d.quit)
	log.Debug("[Worker] Stopped ", d.maxWorkers, " workers")
}
