package ledger

import (
	"encoding/json"
	"errors"

	"github.com/danmuck/roundctl/internal/round"
)

type AdvanceResponse struct {
	EpochID          uint32 `json:"epoch_id"`
	FirstEventOffset uint64 `json:"first_event_offset"`
}

type StatusResponse struct {
	EpochID uint32       `json:"epoch_id"`
	Status  round.Status `json:"status"`
}

type PublishRequest struct {
	EpochID uint32         `json:"epoch_id"`
	Owner   string         `json:"owner"`
	Task    round.TaskSpec `json:"task"`
}

type PublishResponse struct {
	TaskID round.TaskID `json:"task_id"`
}

// EventsResponse carries events undecoded so that one malformed entry does
// not fail the whole batch. First is always a global event id: the id of
// Events[0], or where the batch would have started when it is empty. Epoch
// queries clamp an empty batch's First to the epoch's end.
type EventsResponse struct {
	First  uint64            `json:"first"`
	Events []json.RawMessage `json:"events"`
}

type CountResponse struct {
	Count uint64 `json:"count"`
}

type BoundsResponse struct {
	First uint64 `json:"first"`
	Total uint64 `json:"total"`
}

type ProfileFieldRequest struct {
	Value string `json:"value"`
}

type ProfileResponse struct {
	Principal string            `json:"principal"`
	Fields    map[string]string `json:"fields"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// errorCodes maps sentinels to stable wire codes so clients can rebuild them.
var errorCodes = []struct {
	code string
	err  error
}{
	{"epoch_not_yet_closed", ErrEpochNotYetClosed},
	{"epoch_closed", ErrEpochClosed},
	{"stale_epoch", ErrStaleEpoch},
	{"unknown_epoch", ErrUnknownEpoch},
	{"unknown_task", ErrUnknownTask},
	{"invalid_task", ErrInvalidTask},
	{"invalid_profile", ErrInvalidProfile},
	{"encode_failed", ErrEncode},
	{"invalid_task_id", round.ErrInvalidTaskID},
}

func codeFor(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return ""
}

func errorForCode(code string) error {
	for _, ec := range errorCodes {
		if ec.code == code {
			return ec.err
		}
	}
	return nil
}
