// Package delivery ships signed activities to remote inboxes with retries.
// Jobs are persisted so a crashed node resumes pending deliveries on restart.
package delivery

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	vocab "github.com/go-ap/activitypub"
	"github.com/go-ap/errors"

	"git.sr.ht/~mariusor/lw"
	"github.com/XiNiHa/chamsae/keyring"
	"github.com/XiNiHa/chamsae/storage"
)

const (
	defaultWorkers      = 32
	defaultPollInterval = time.Second

	requestTimeout = 30 * time.Second
	backoffBase    = 30 * time.Second
	backoffCap     = time.Hour
	jitterFraction = 0.25
	// total time before a delivery is abandoned
	giveUpAfter = 48 * time.Hour

	contentType = "application/activity+json"
)

// Store is the slice of the storage layer the deliverer needs.
type Store interface {
	storage.DeliveryQueue
	TombstoneUsersByInbox(ctx context.Context, inbox string) error
}

type Deliverer struct {
	st Store
	kr *keyring.Keyring
	cl *http.Client
	l  lw.Logger

	workers uint
	poll    time.Duration
	base    time.Duration
	now     func() time.Time

	jobs chan storage.DeliveryJob
	quit chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	inFlight map[int64]bool
}

type Option func(*Deliverer)

func WithWorkers(n uint) Option {
	return func(d *Deliverer) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithPollInterval(i time.Duration) Option {
	return func(d *Deliverer) {
		d.poll = i
	}
}

// WithBackoffBase shrinks the retry schedule, used by tests.
func WithBackoffBase(b time.Duration) Option {
	return func(d *Deliverer) {
		d.base = b
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Deliverer) {
		d.now = now
	}
}

func New(st Store, kr *keyring.Keyring, l lw.Logger, opts ...Option) *Deliverer {
	d := &Deliverer{
		st:       st,
		kr:       kr,
		cl:       &http.Client{Timeout: requestTimeout},
		l:        l,
		workers:  defaultWorkers,
		poll:     defaultPollInterval,
		base:     backoffBase,
		now:      time.Now,
		quit:     make(chan struct{}),
		inFlight: map[int64]bool{},
	}
	for _, o := range opts {
		o(d)
	}
	d.jobs = make(chan storage.DeliveryJob, d.workers)
	return d
}

// Deliver enqueues one persisted job per distinct inbox. Duplicate inbox
// strings collapse to a single job, which is how shared inboxes deduplicate
// fan-out to many followers on one host.
func (d *Deliverer) Deliver(ctx context.Context, activityID vocab.IRI, body []byte, inboxes ...string) error {
	seen := make(map[string]bool, len(inboxes))
	jobs := make([]storage.DeliveryJob, 0, len(inboxes))
	now := d.now().UTC()
	for _, inbox := range inboxes {
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		jobs = append(jobs, storage.DeliveryJob{
			ActivityID:    activityID,
			ActivityBody:  body,
			TargetInbox:   inbox,
			FirstAttempt:  now,
			NextAttemptAt: now,
		})
	}
	if len(jobs) == 0 {
		return nil
	}
	return d.st.EnqueueDelivery(ctx, jobs...)
}

// Start spins up the worker pool and the poll loop feeding it.
func (d *Deliverer) Start(ctx context.Context) {
	for i := uint(0); i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.wg.Add(1)
	go d.pollLoop(ctx)
}

// Stop drains the pool. Workers finish the job they hold, pending jobs stay
// persisted for the next run.
func (d *Deliverer) Stop() {
	close(d.quit)
	d.wg.Wait()
	d.cl.CloseIdleConnections()
}

func (d *Deliverer) pollLoop(ctx context.Context) {
	defer d.wg.Done()
	tick := time.NewTicker(d.poll)
	defer tick.Stop()
	for {
		select {
		case <-d.quit:
			close(d.jobs)
			return
		case <-ctx.Done():
			close(d.jobs)
			return
		case <-tick.C:
			d.dispatchDue(ctx)
		}
	}
}

func (d *Deliverer) dispatchDue(ctx context.Context) {
	due, err := d.st.DueDeliveries(ctx, d.now().UTC(), int(d.workers)*2)
	if err != nil {
		d.l.WithContext(lw.Ctx{"err": err.Error()}).Errorf("unable to poll delivery queue")
		return
	}
	for _, job := range due {
		d.mu.Lock()
		if d.inFlight[job.ID] {
			d.mu.Unlock()
			continue
		}
		d.inFlight[job.ID] = true
		d.mu.Unlock()

		select {
		case d.jobs <- job:
		case <-d.quit:
			d.release(job.ID)
			return
		case <-ctx.Done():
			d.release(job.ID)
			return
		}
	}
}

func (d *Deliverer) release(id int64) {
	d.mu.Lock()
	delete(d.inFlight, id)
	d.mu.Unlock()
}

func (d *Deliverer) worker(ctx context.Context) {
	defer d.wg.Done()
	for job := range d.jobs {
		d.attempt(ctx, job)
		d.release(job.ID)
	}
}

func (d *Deliverer) attempt(ctx context.Context, job storage.DeliveryJob) {
	ll := d.l.WithContext(lw.Ctx{"activity": job.ActivityID, "inbox": job.TargetInbox, "attempt": job.Attempt})

	status, err := d.post(ctx, job)
	switch {
	case err != nil:
		ll.Warnf("delivery failed: %s", err)
		d.reschedule(ctx, job, err.Error())
	case status >= 200 && status < 300:
		ll.Debugf("delivered")
		if err := d.st.DeleteDelivery(ctx, job.ID); err != nil {
			ll.Errorf("unable to clear delivered job: %s", err)
		}
	case status == http.StatusGone:
		ll.Infof("inbox is gone, tombstoning its actors")
		if err := d.st.TombstoneUsersByInbox(ctx, job.TargetInbox); err != nil {
			ll.Errorf("unable to tombstone actors: %s", err)
		}
		if err := d.st.CancelDeliveriesTo(ctx, job.TargetInbox); err != nil {
			ll.Errorf("unable to cancel pending deliveries: %s", err)
		}
	case status >= 400 && status < 500:
		ll.Warnf("delivery rejected with %d", status)
		if err := d.st.MarkDeliveryFailed(ctx, job.ID, http.StatusText(status)); err != nil {
			ll.Errorf("unable to mark job failed: %s", err)
		}
	default:
		ll.Warnf("peer answered %d", status)
		d.reschedule(ctx, job, http.StatusText(status))
	}
}

func (d *Deliverer) post(ctx context.Context, job storage.DeliveryJob) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.TargetInbox, bytes.NewReader(job.ActivityBody))
	if err != nil {
		return 0, errors.Annotatef(err, "invalid inbox URI %s", job.TargetInbox)
	}
	req.Header.Set("Content-Type", contentType)
	if err := d.kr.SignRequest(req, job.ActivityBody); err != nil {
		return 0, err
	}
	resp, err := d.cl.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func (d *Deliverer) reschedule(ctx context.Context, job storage.DeliveryJob, lastError string) {
	now := d.now().UTC()
	if now.Sub(job.FirstAttempt) > giveUpAfter {
		if err := d.st.MarkDeliveryFailed(ctx, job.ID, lastError); err != nil {
			d.l.Errorf("unable to abandon job %d: %s", job.ID, err)
		}
		return
	}
	next := now.Add(backoff(d.base, job.Attempt))
	if err := d.st.UpdateDeliveryAttempt(ctx, job.ID, job.Attempt+1, next, lastError); err != nil {
		d.l.Errorf("unable to reschedule job %d: %s", job.ID, err)
	}
}

// backoff doubles per attempt from base, capped at an hour, with a ±25%
// jitter so many jobs against one dead peer spread out.
func backoff(base time.Duration, attempt int) time.Duration {
	wait := float64(base) * math.Pow(2, float64(attempt))
	if wait > float64(backoffCap) {
		wait = float64(backoffCap)
	}
	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	return time.Duration(wait * jitter)
}
