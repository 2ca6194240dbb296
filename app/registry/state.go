package registry

import (
	"fmt"
)

// JobStatus represents the lifecycle state of a tracked job.
type JobStatus int

// job lifecycle: pending -> executing -> removed; terminal statuses exist
// only transiently while a job is being cleaned up
const (
	JobStatusPending JobStatus = iota
	JobStatusExecuting
	JobStatusCompleted
	JobStatusFailed
)

// String returns the lowercase name of the status
func (s JobStatus) String() string {
	switch s {
	case JobStatusPending:
		return "pending"
	case JobStatusExecuting:
		return "executing"
	case JobStatusCompleted:
		return "completed"
	case JobStatusFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ParseJobStatus converts a string to JobStatus
func ParseJobStatus(v string) (JobStatus, error) {
	switch v {
	case "pending":
		return JobStatusPending, nil
	case "executing":
		return JobStatusExecuting, nil
	case "completed":
		return JobStatusCompleted, nil
	case "failed":
		return JobStatusFailed, nil
	}
	return JobStatusPending, fmt.Errorf("invalid job status %q", v)
}

// active reports if the job is still outstanding from the local point of view
func (s JobStatus) active() bool {
	return s == JobStatusPending || s == JobStatusExecuting
}

// ContentKind is the category of artifact a job produces. The zero value
// means the kind is not known, e.g. for jobs submitted by other clients.
type ContentKind int

// content kinds
const (
	ContentKindUnknown ContentKind = iota
	ContentKindImage
	ContentKindVideo
)

// String returns the lowercase name of the kind
func (k ContentKind) String() string {
	switch k {
	case ContentKindUnknown:
		return "unknown"
	case ContentKindImage:
		return "image"
	case ContentKindVideo:
		return "video"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// ParseContentKind converts a string to ContentKind
func ParseContentKind(v string) (ContentKind, error) {
	switch v {
	case "unknown":
		return ContentKindUnknown, nil
	case "image":
		return ContentKindImage, nil
	case "video":
		return ContentKindVideo, nil
	}
	return ContentKindUnknown, fmt.Errorf("invalid content kind %q", v)
}

// TrackedJob is a single locally-submitted unit of work. ID is assigned by
// the server at submission time, Owner identifies the local feature that
// submitted it and is used for event routing.
type TrackedJob struct {
	ID     string
	Owner  string
	Kind   ContentKind
	Status JobStatus
}

// QueueState is an immutable snapshot of the registry. ExecutingID may
// belong to another client; ExecutingOwner and ExecutingKind are set only
// when the executing job is one of ours.
type QueueState struct {
	ExecutingID    string
	ExecutingOwner string
	ExecutingKind  ContentKind
	TotalQueueSize int
	OwnJobs        map[string]TrackedJob
}

// IsExecuting reports if anything is running server-wide
func (q QueueState) IsExecuting() bool { return q.ExecutingID != "" }

// OwnActiveCount returns the number of own jobs still pending or executing
func (q QueueState) OwnActiveCount() (count int) {
	for _, j := range q.OwnJobs {
		if j.Status.active() {
			count++
		}
	}
	return count
}

// clone makes a deep copy, the published snapshots never share the jobs map
func (q QueueState) clone() QueueState {
	res := q
	res.OwnJobs = make(map[string]TrackedJob, len(q.OwnJobs))
	for id, j := range q.OwnJobs {
		res.OwnJobs[id] = j
	}
	return res
}

// equal compares snapshots field by field, maps by content
func (q QueueState) equal(other QueueState) bool {
	if q.ExecutingID != other.ExecutingID || q.ExecutingOwner != other.ExecutingOwner ||
		q.ExecutingKind != other.ExecutingKind || q.TotalQueueSize != other.TotalQueueSize {
		return false
	}
	if len(q.OwnJobs) != len(other.OwnJobs) {
		return false
	}
	for id, j := range q.OwnJobs {
		if oj, ok := other.OwnJobs[id]; !ok || oj != j {
			return false
		}
	}
	return true
}
