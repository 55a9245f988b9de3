// Package refresh schedules the external jobs that keep the on-disk
// datasets current. Each dataset gets one Runner; the server's event
// loop drives it through C (timer fires) and Done (job completions).
package refresh

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// Runner owns the schedule and job state for one dataset. All methods
// must be called from the event-loop goroutine; only the spawned job
// goroutine touches the done channel from outside.
type Runner struct {
	name    string
	script  string
	args    []string
	period  time.Duration
	timer   *time.Timer
	next    time.Time
	running bool
	done    chan error
	log     *zap.Logger
}

// NewRunner creates a runner whose first fire is derived from the
// dataset's last refresh time (the source file's mtime). An overdue or
// unknown last refresh fires immediately.
func NewRunner(name, script string, args []string, period time.Duration, lastRefreshed time.Time, log *zap.Logger) *Runner {
	now := time.Now()
	delay := FirstDelay(now, lastRefreshed, period)
	return &Runner{
		name:   name,
		script: script,
		args:   args,
		period: period,
		timer:  time.NewTimer(delay),
		next:   now.Add(delay),
		done:   make(chan error, 1),
		log:    log,
	}
}

// FirstDelay computes how long until the first refresh is due. A zero
// lastRefreshed (no source on disk) or a last refresh at least one
// period ago means the dataset is already overdue. A modification time
// in the future is treated as exactly one period old.
func FirstDelay(now, lastRefreshed time.Time, period time.Duration) time.Duration {
	if lastRefreshed.IsZero() {
		return 0
	}
	since := now.Sub(lastRefreshed)
	if since < 0 {
		since = period
	}
	if since >= period {
		return 0
	}
	return period - since
}

// C fires when the next refresh is due.
func (r *Runner) C() <-chan time.Time {
	return r.timer.C
}

// Done delivers the exit result of a started job.
func (r *Runner) Done() <-chan error {
	return r.done
}

// Tick handles a timer fire: reschedule, then start the refresh job
// unless one is already in flight (a fire while running is a no-op for
// the job).
func (r *Runner) Tick() {
	r.reschedule()
	if r.running {
		return
	}
	r.running = true
	r.log.Info("refresh started", zap.String("dataset", r.name))
	go func() {
		r.done <- RunScript(r.script, r.args...)
	}()
}

// Skip handles a timer fire without starting a job, for datasets whose
// refresh is disabled.
func (r *Runner) Skip() {
	r.reschedule()
}

// Finish clears the in-flight state; the event loop calls it after
// receiving from Done.
func (r *Runner) Finish() {
	r.running = false
}

// reschedule advances the schedule by exactly one period from the
// previous scheduled (not actual) fire time. Fires that piled up while
// the loop was busy coalesce into a single immediate one.
func (r *Runner) reschedule() {
	now := time.Now()
	r.next = r.next.Add(r.period)
	if !r.next.After(now) {
		r.next = now
	}
	r.timer.Reset(r.next.Sub(now))
}

// RunScript invokes an external refresh job through sh and reports its
// exit status. Also used synchronously at startup when no timezone
// dataset is on disk yet.
func RunScript(script string, args ...string) error {
	cmd := exec.Command("sh", append([]string{script}, args...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sh %s: %w", script, err)
	}
	return nil
}

// ModTime returns a file's modification time, or false if it cannot be
// read. Used only for scheduling, never to gate correctness.
func ModTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}
