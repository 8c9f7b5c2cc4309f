package round

import (
	"encoding/json"
	"fmt"
	"time"
)

type Status uint8

const (
	StatusActive Status = iota
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "ACTIVE":
		*s = StatusActive
	case "CLOSED":
		*s = StatusClosed
	default:
		return fmt.Errorf("round: unknown status %q", b)
	}
	return nil
}

// Epoch is a time window in which tasks may be published. Its status is
// derived from the clock and never stored.
type Epoch struct {
	ID               uint32        `json:"id"`
	StartTime        time.Time     `json:"start_time"`
	Duration         time.Duration `json:"duration"`
	FirstEventOffset uint64        `json:"first_event_offset"`
}

func (e Epoch) EndTime() time.Time {
	return e.StartTime.Add(e.Duration)
}

// Status is Active while now < start+duration.
func (e Epoch) Status(now time.Time) Status {
	if now.Before(e.EndTime()) {
		return StatusActive
	}
	return StatusClosed
}

// Info is the externally visible summary of an epoch.
type Info struct {
	ID         uint32        `json:"id"`
	Status     Status        `json:"status"`
	StartTime  time.Time     `json:"start_time"`
	Duration   time.Duration `json:"duration"`
	TaskCount  uint32        `json:"task_count"`
	EventCount uint64        `json:"event_count"`
}

// infoJSON renders durations in milliseconds on the wire.
type infoJSON struct {
	ID         uint32    `json:"id"`
	Status     Status    `json:"status"`
	StartTime  time.Time `json:"start_time"`
	DurationMS int64     `json:"duration_ms"`
	TaskCount  uint32    `json:"task_count"`
	EventCount uint64    `json:"event_count"`
}

func (i Info) MarshalJSON() ([]byte, error) {
	return json.Marshal(infoJSON{
		ID:         i.ID,
		Status:     i.Status,
		StartTime:  i.StartTime,
		DurationMS: i.Duration.Milliseconds(),
		TaskCount:  i.TaskCount,
		EventCount: i.EventCount,
	})
}

func (i *Info) UnmarshalJSON(b []byte) error {
	var raw infoJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*i = Info{
		ID:         raw.ID,
		Status:     raw.Status,
		StartTime:  raw.StartTime,
		Duration:   time.Duration(raw.DurationMS) * time.Millisecond,
		TaskCount:  raw.TaskCount,
		EventCount: raw.EventCount,
	}
	return nil
}
