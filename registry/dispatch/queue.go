// Package dispatch holds the per-site ordered set of submissions eligible
// for claim. It is a derived view over the registry's PENDING submissions,
// never authoritative: on restart it is rebuilt from a store scan.
package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/jobdeck/jobdeck/model"
)

// Entry is one eligible submission.
type Entry struct {
	Site         model.SiteID
	SubmissionID model.SubmissionID
	EnqueueTime  time.Time
	// CreatedAt breaks ties between equal enqueue times, then the id does,
	// so pop order is deterministic.
	CreatedAt time.Time
}

func (e Entry) less(other Entry) bool {
	if !e.EnqueueTime.Equal(other.EnqueueTime) {
		return e.EnqueueTime.Before(other.EnqueueTime)
	}
	if !e.CreatedAt.Equal(other.CreatedAt) {
		return e.CreatedAt.Before(other.CreatedAt)
	}
	return e.SubmissionID < other.SubmissionID
}

// Queue is the site-partitioned dispatch queue.
type Queue struct {
	mu    sync.Mutex
	sites map[model.SiteID][]Entry
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{sites: make(map[model.SiteID][]Entry)}
}

// Push inserts an entry keeping the site's slice ordered. Pushing an already
// queued submission is a no-op, so reclaim and rebuild never double-insert.
func (q *Queue) Push(entry Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.sites[entry.Site]
	for _, e := range entries {
		if e.SubmissionID == entry.SubmissionID {
			return
		}
	}
	idx := sort.Search(len(entries), func(i int) bool {
		return entry.less(entries[i])
	})
	entries = append(entries, Entry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = entry
	q.sites[entry.Site] = entries
}

// PopN removes and returns up to n oldest entries for the site.
func (q *Queue) PopN(site model.SiteID, n int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.sites[site]
	if n > len(entries) {
		n = len(entries)
	}
	if n <= 0 {
		return nil
	}
	popped := make([]Entry, n)
	copy(popped, entries[:n])
	remaining := entries[n:]
	if len(remaining) == 0 {
		delete(q.sites, site)
	} else {
		q.sites[site] = remaining
	}
	return popped
}

// Remove drops the submission from the site's queue if present.
func (q *Queue) Remove(site model.SiteID, id model.SubmissionID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.sites[site]
	for i, e := range entries {
		if e.SubmissionID == id {
			q.sites[site] = append(entries[:i], entries[i+1:]...)
			if len(q.sites[site]) == 0 {
				delete(q.sites, site)
			}
			return true
		}
	}
	return false
}

// Len returns the number of queued entries for the site.
func (q *Queue) Len(site model.SiteID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sites[site])
}
