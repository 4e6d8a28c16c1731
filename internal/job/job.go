// Package job defines the unit of work flowing through the system: its
// identity, lifecycle status, routing type, priority, and envelope
// descriptors. Jobs are created by the API gateway, mutated only through a
// job manager, and destroyed when their result is consumed.
package job

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Type routes a job to the service that owns its worker family.
type Type string

const (
	ImageGeneration Type = "IMAGE_GENERATION"
	LLMGeneration   Type = "LLM_GENERATION"
	AudioGeneration Type = "AUDIO_GENERATION"
	VideoGeneration Type = "VIDEO_GENERATION"
	UnknownType     Type = "UNKNOWN"
)

// Types lists every routable job type, in routing-key order.
var Types = []Type{ImageGeneration, LLMGeneration, AudioGeneration, VideoGeneration}

// ParseType maps a wire string to a Type, returning UnknownType for
// anything unrecognized.
func ParseType(s string) Type {
	switch Type(s) {
	case ImageGeneration, LLMGeneration, AudioGeneration, VideoGeneration:
		return Type(s)
	}
	return UnknownType
}

// Status is the lifecycle state of a job. Transitions advance monotonically
// Pending -> Queued -> InProgress -> {Completed|Failed}; Unknown marks a job
// the store has no record of.
type Status string

const (
	Pending    Status = "PENDING"
	Queued     Status = "QUEUED"
	InProgress Status = "IN_PROGRESS"
	Completed  Status = "COMPLETED"
	Failed     Status = "FAILED"
	Unknown    Status = "UNKNOWN"
)

// rank orders statuses for monotonicity checks. Completed and Failed share
// the terminal rank; repeated writes of the same terminal state are allowed
// so duplicate broker deliveries stay idempotent.
func (s Status) rank() int {
	switch s {
	case Pending:
		return 0
	case Queued:
		return 1
	case InProgress:
		return 2
	case Completed, Failed:
		return 3
	}
	return -1
}

// CanAdvance reports whether moving from s to next is a legal forward
// transition. Re-writing the same status is allowed.
func (s Status) CanAdvance(next Status) bool {
	if s == next {
		return true
	}
	return next.rank() > s.rank()
}

// Terminal reports whether the status ends the job lifecycle.
func (s Status) Terminal() bool { return s == Completed || s == Failed }

// Priority selects between queued (Low/Normal) and direct (High) execution
// and maps to the broker's per-message priority.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// Level returns the broker priority level for this priority class.
func (p Priority) Level() uint8 {
	switch p {
	case PriorityNormal:
		return 5
	case PriorityHigh:
		return 10
	}
	return 1
}

// ParsePriority maps a header value to a Priority. Empty resolves to Low;
// anything else unrecognized reports ok=false.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "":
		return PriorityLow, true
	case string(PriorityLow), string(PriorityNormal), string(PriorityHigh):
		return Priority(s), true
	}
	return PriorityLow, false
}

// Storage selects where large artifacts land: inline base64 or the object
// store behind a signed URL.
type Storage string

const (
	StorageLocal Storage = "LOCAL"
	StorageS3    Storage = "S3"
)

// ParseStorage maps a header value to a Storage. Empty resolves to Local.
func ParseStorage(s string) (Storage, bool) {
	switch s {
	case "":
		return StorageLocal, true
	case string(StorageLocal), string(StorageS3):
		return Storage(s), true
	}
	return StorageLocal, false
}

// Job is one unit of work. Payload is the opaque typed request as raw JSON;
// the envelope descriptors name the implementation and the schemas used to
// re-validate the payload after transit.
type Job struct {
	ID        string
	Type      Type
	WorkerID  string
	Payload   json.RawMessage
	Status    Status
	Message   string
	Storage   Storage
	KeepAlive int // minutes

	RemoteClass   string
	RemoteMethod  string
	RequestModel  string
	ResponseModel string
}

// New constructs a pending job with a fresh id.
func New(t Type, workerID string, payload json.RawMessage) *Job {
	return &Job{
		ID:       uuid.New().String(),
		Type:     t,
		WorkerID: workerID,
		Payload:  payload,
		Status:   Pending,
		Storage:  StorageLocal,
	}
}

// Response is the client-facing view of a job's lifecycle state.
type Response struct {
	ID      string `json:"id"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Type    Type   `json:"type"`
}

// NotFound is the canonical response for a job the store has no record of.
func NotFound(id string) Response {
	return Response{ID: id, Status: Unknown, Message: "Job not found", Type: UnknownType}
}
