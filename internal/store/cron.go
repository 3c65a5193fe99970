package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CronJob is one scheduled prompt.
type CronJob struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Expr        string `json:"expr"`
	Message     string `json:"message"`
	SessionKey  string `json:"sessionKey,omitempty"` // empty = main session
	Channel     string `json:"channel,omitempty"`    // delivery override
	To          string `json:"to,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Enabled     bool   `json:"enabled"`
	CreatedAtMs int64  `json:"createdAtMs"`
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
}

// CronStore persists cron jobs to cron.json under the state dir.
type CronStore struct {
	path string

	mu          sync.Mutex
	jobs        map[string]*CronJob
	lastCreated int64 // strictly increasing so List order matches Add order

	actor fileActor
}

// NewCronStore loads cron.json, creating an empty store when absent.
func NewCronStore(stateDir string) (*CronStore, error) {
	st := &CronStore{
		path: filepath.Join(stateDir, "cron.json"),
		jobs: make(map[string]*CronJob),
	}
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("read cron store: %w", err)
	}
	var jobs []*CronJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parse cron store: %w", err)
	}
	for _, j := range jobs {
		st.jobs[j.ID] = j
		if j.CreatedAtMs > st.lastCreated {
			st.lastCreated = j.CreatedAtMs
		}
	}
	return st, nil
}

// List returns jobs sorted by creation time.
func (st *CronStore) List() []CronJob {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]CronJob, 0, len(st.jobs))
	for _, j := range st.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAtMs != out[k].CreatedAtMs {
			return out[i].CreatedAtMs < out[k].CreatedAtMs
		}
		return out[i].ID < out[k].ID
	})
	return out
}

// Get returns one job by id.
func (st *CronStore) Get(id string) (CronJob, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	j, ok := st.jobs[id]
	if !ok {
		return CronJob{}, false
	}
	return *j, true
}

// Add persists a new job, assigning its id and creation time. Creation times
// are nudged forward on same-millisecond adds so List keeps insertion order.
func (st *CronStore) Add(job CronJob) (CronJob, error) {
	job.ID = uuid.NewString()
	job.Enabled = true
	st.mu.Lock()
	now := time.Now().UnixMilli()
	if now <= st.lastCreated {
		now = st.lastCreated + 1
	}
	st.lastCreated = now
	job.CreatedAtMs = now
	st.jobs[job.ID] = &job
	st.mu.Unlock()
	return job, st.flush()
}

// Remove deletes a job. Returns false when the id is unknown.
func (st *CronStore) Remove(id string) (bool, error) {
	st.mu.Lock()
	_, ok := st.jobs[id]
	delete(st.jobs, id)
	st.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, st.flush()
}

// TouchRun records a job execution.
func (st *CronStore) TouchRun(id string) error {
	st.mu.Lock()
	if j, ok := st.jobs[id]; ok {
		j.LastRunAtMs = time.Now().UnixMilli()
	}
	st.mu.Unlock()
	return st.flush()
}

func (st *CronStore) flush() error {
	st.mu.Lock()
	jobs := make([]*CronJob, 0, len(st.jobs))
	for _, j := range st.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAtMs != jobs[k].CreatedAtMs {
			return jobs[i].CreatedAtMs < jobs[k].CreatedAtMs
		}
		return jobs[i].ID < jobs[k].ID
	})
	st.mu.Unlock()
	return st.actor.do(func() error {
		return writeJSONAtomic(st.path, jobs)
	})
}
