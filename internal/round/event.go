package round

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedEvent = errors.New("round: malformed event")

type EventKind string

const (
	KindEpochStarted        EventKind = "EPOCH_STARTED"
	KindTaskPublished       EventKind = "TASK_PUBLISHED"
	KindProfileFieldUpdated EventKind = "PROFILE_FIELD_UPDATED"
)

type EpochStarted struct {
	EpochID uint32 `json:"epoch_id"`
}

type TaskPublished struct {
	TaskID TaskID     `json:"task_id"`
	Record TaskRecord `json:"record"`
}

type ProfileFieldUpdated struct {
	Principal string `json:"principal"`
	Field     string `json:"field"`
	Value     string `json:"value"`
}

// Event is one ledger entry. Exactly one payload pointer matching Kind is set.
// ID is assigned by the ledger at append time and is strictly increasing.
type Event struct {
	ID                  uint64               `json:"id"`
	Kind                EventKind            `json:"kind"`
	EpochStarted        *EpochStarted        `json:"epoch_started,omitempty"`
	TaskPublished       *TaskPublished       `json:"task_published,omitempty"`
	ProfileFieldUpdated *ProfileFieldUpdated `json:"profile_field_updated,omitempty"`
}

func NewEpochStarted(id uint64, epoch uint32) Event {
	return Event{ID: id, Kind: KindEpochStarted, EpochStarted: &EpochStarted{EpochID: epoch}}
}

func NewTaskPublished(id uint64, rec TaskRecord) Event {
	return Event{ID: id, Kind: KindTaskPublished, TaskPublished: &TaskPublished{TaskID: rec.ID, Record: rec}}
}

func NewProfileFieldUpdated(id uint64, principal, field, value string) Event {
	return Event{
		ID:                  id,
		Kind:                KindProfileFieldUpdated,
		ProfileFieldUpdated: &ProfileFieldUpdated{Principal: principal, Field: field, Value: value},
	}
}

// Validate checks that Kind names a known variant and only its payload is set.
func (e Event) Validate() error {
	set := 0
	if e.EpochStarted != nil {
		set++
	}
	if e.TaskPublished != nil {
		set++
	}
	if e.ProfileFieldUpdated != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: event %d carries %d payloads", ErrMalformedEvent, e.ID, set)
	}
	switch e.Kind {
	case KindEpochStarted:
		if e.EpochStarted == nil {
			break
		}
		return nil
	case KindTaskPublished:
		if e.TaskPublished == nil {
			break
		}
		if e.TaskPublished.TaskID != e.TaskPublished.Record.ID {
			return fmt.Errorf("%w: event %d task id %s does not match record %s",
				ErrMalformedEvent, e.ID, e.TaskPublished.TaskID, e.TaskPublished.Record.ID)
		}
		return nil
	case KindProfileFieldUpdated:
		if e.ProfileFieldUpdated == nil {
			break
		}
		return nil
	default:
		return fmt.Errorf("%w: event %d unknown kind %q", ErrMalformedEvent, e.ID, e.Kind)
	}
	return fmt.Errorf("%w: event %d kind %s has no matching payload", ErrMalformedEvent, e.ID, e.Kind)
}

func (e Event) String() string {
	switch {
	case e.EpochStarted != nil:
		return fmt.Sprintf("#%d %s epoch=%d", e.ID, e.Kind, e.EpochStarted.EpochID)
	case e.TaskPublished != nil:
		return fmt.Sprintf("#%d %s task=%s type=%s owner=%s", e.ID, e.Kind,
			e.TaskPublished.TaskID, e.TaskPublished.Record.Type, e.TaskPublished.Record.Owner)
	case e.ProfileFieldUpdated != nil:
		p := e.ProfileFieldUpdated
		return fmt.Sprintf("#%d %s principal=%s %s=%q", e.ID, e.Kind, p.Principal, p.Field, p.Value)
	}
	return fmt.Sprintf("#%d %s", e.ID, e.Kind)
}

// DecodeEvent parses and validates one wire event.
func DecodeEvent(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := e.Validate(); err != nil {
		return e, err
	}
	return e, nil
}
