package a2a

import (
	"encoding/json"
	"fmt"
)

// TaskStatus is the lifecycle state of an agent task.
type TaskStatus string

const (
	StatusPending       TaskStatus = "pending"
	StatusWorking       TaskStatus = "working"
	StatusInputRequired TaskStatus = "input_required"
	StatusCompleted     TaskStatus = "completed"
	StatusFailed        TaskStatus = "failed"
	StatusCanceled      TaskStatus = "canceled"
	StatusRejected      TaskStatus = "rejected"
)

// Terminal reports whether the status ends the task.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusRejected:
		return true
	}
	return false
}

// Part is one chunk of message or artifact content.
type Part struct {
	Kind string          `json:"kind,omitempty"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is agent- or user-authored content.
type Message struct {
	Role             string          `json:"role"`
	Parts            []Part          `json:"parts"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	ContextID        string          `json:"contextId,omitempty"`
	ReferenceTaskIDs []string        `json:"referenceTaskIds,omitempty"`
}

// Artifact is a (possibly chunked) task output. When Append is true the
// parts extend the artifact already accumulated at Index.
type Artifact struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parts       []Part `json:"parts"`
	Index       int    `json:"index,omitempty"`
	Append      bool   `json:"append,omitempty"`
	LastChunk   bool   `json:"lastChunk,omitempty"`
}

// Task is a complete task snapshot.
type Task struct {
	ID        string     `json:"id"`
	Status    TaskStatus `json:"status"`
	Messages  []Message  `json:"messages"`
	Artifacts []Artifact `json:"artifacts"`
}

// EventKind tags a decoded stream event.
type EventKind string

const (
	EventStatus   EventKind = "status"
	EventArtifact EventKind = "artifact"
	EventMessage  EventKind = "message"
	EventTask     EventKind = "task"
)

// Event is one decoded stream event. Exactly one of the payload fields
// matching Kind is set.
type Event struct {
	Kind EventKind

	// Status update fields.
	TaskID    string
	Status    TaskStatus
	Final     bool
	Message   *Message
	ContextID string

	Artifact *Artifact
	Task     *Task
}

// eventBody is the superset wire shape used to sniff the event kind.
type eventBody struct {
	TaskID    string          `json:"taskId"`
	Status    json.RawMessage `json:"status"`
	Final     bool            `json:"final"`
	Message   *Message        `json:"message"`
	ContextID string          `json:"contextId"`

	Artifact *Artifact `json:"artifact"`

	Role  string `json:"role"`
	Parts []Part `json:"parts"`

	ID        string     `json:"id"`
	Messages  []Message  `json:"messages"`
	Artifacts []Artifact `json:"artifacts"`
}

// decodeEvent classifies one result body into a tagged Event.
// Precedence: artifact, status update, complete task, then standalone
// message; anything else is an error.
func decodeEvent(result json.RawMessage) (*Event, error) {
	var body eventBody
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, fmt.Errorf("decode stream event: %w", err)
	}

	switch {
	case body.Artifact != nil:
		return &Event{
			Kind:      EventArtifact,
			TaskID:    body.TaskID,
			Artifact:  body.Artifact,
			ContextID: body.ContextID,
		}, nil

	case body.TaskID != "" && body.Status != nil:
		var status TaskStatus
		if err := json.Unmarshal(body.Status, &status); err != nil {
			return nil, fmt.Errorf("decode task status: %w", err)
		}
		return &Event{
			Kind:      EventStatus,
			TaskID:    body.TaskID,
			Status:    status,
			Final:     body.Final,
			Message:   body.Message,
			ContextID: body.ContextID,
		}, nil

	case body.ID != "" && body.Status != nil:
		var status TaskStatus
		if err := json.Unmarshal(body.Status, &status); err != nil {
			return nil, fmt.Errorf("decode task status: %w", err)
		}
		return &Event{
			Kind: EventTask,
			Task: &Task{
				ID:        body.ID,
				Status:    status,
				Messages:  body.Messages,
				Artifacts: body.Artifacts,
			},
		}, nil

	case body.Role != "":
		return &Event{
			Kind: EventMessage,
			Message: &Message{
				Role:      body.Role,
				Parts:     body.Parts,
				ContextID: body.ContextID,
			},
			ContextID: body.ContextID,
		}, nil
	}
	return nil, fmt.Errorf("unrecognized stream event shape: %.120s", result)
}

// Collector assembles a stream into a final task view: latest status,
// messages in arrival order, and artifacts merged by index with
// append-chunking applied.
type Collector struct {
	TaskID    string
	Status    TaskStatus
	Messages  []Message
	artifacts map[int]*Artifact
	order     []int
}

// Observe folds one event into the collected state.
func (c *Collector) Observe(ev *Event) {
	switch ev.Kind {
	case EventStatus:
		c.TaskID = ev.TaskID
		c.Status = ev.Status
		if ev.Message != nil {
			c.Messages = append(c.Messages, *ev.Message)
		}
	case EventMessage:
		if ev.Message != nil {
			c.Messages = append(c.Messages, *ev.Message)
		}
	case EventArtifact:
		c.observeArtifact(ev.Artifact)
	case EventTask:
		c.TaskID = ev.Task.ID
		c.Status = ev.Task.Status
		c.Messages = append(c.Messages, ev.Task.Messages...)
		for i := range ev.Task.Artifacts {
			c.observeArtifact(&ev.Task.Artifacts[i])
		}
	}
}

func (c *Collector) observeArtifact(a *Artifact) {
	if a == nil {
		return
	}
	if c.artifacts == nil {
		c.artifacts = make(map[int]*Artifact)
	}
	existing, ok := c.artifacts[a.Index]
	if ok && a.Append {
		existing.Parts = append(existing.Parts, a.Parts...)
		existing.LastChunk = a.LastChunk
		return
	}
	cp := *a
	cp.Parts = append([]Part(nil), a.Parts...)
	c.artifacts[a.Index] = &cp
	if !ok {
		c.order = append(c.order, a.Index)
	}
}

// Artifacts returns the assembled artifacts in first-seen index order.
func (c *Collector) Artifacts() []Artifact {
	out := make([]Artifact, 0, len(c.order))
	for _, idx := range c.order {
		out = append(out, *c.artifacts[idx])
	}
	return out
}
