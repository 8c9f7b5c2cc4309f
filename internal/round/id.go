package round

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidTaskID = errors.New("round: invalid task id")

// TaskID identifies a task by the epoch it was published in and its 0-based
// position within that epoch. The text form "<epoch>/<sequence>" is canonical.
type TaskID struct {
	Epoch    uint32
	Sequence uint32
}

func (id TaskID) String() string {
	return strconv.FormatUint(uint64(id.Epoch), 10) + "/" + strconv.FormatUint(uint64(id.Sequence), 10)
}

// Key packs the id into one integer, used as the task cache primary key.
func (id TaskID) Key() uint64 {
	return uint64(id.Epoch)<<32 | uint64(id.Sequence)
}

func TaskIDFromKey(key uint64) TaskID {
	return TaskID{Epoch: uint32(key >> 32), Sequence: uint32(key)}
}

// ParseTaskID accepts only the canonical text form: exactly one '/' between
// two base-10 unsigned integers without leading zeros.
func ParseTaskID(s string) (TaskID, error) {
	epochText, seqText, ok := strings.Cut(s, "/")
	if !ok || strings.Contains(seqText, "/") {
		return TaskID{}, fmt.Errorf("%w: %q needs exactly one separator", ErrInvalidTaskID, s)
	}
	epoch, err := parseUint32(epochText)
	if err != nil {
		return TaskID{}, fmt.Errorf("%w: epoch %q: %v", ErrInvalidTaskID, epochText, err)
	}
	seq, err := parseUint32(seqText)
	if err != nil {
		return TaskID{}, fmt.Errorf("%w: sequence %q: %v", ErrInvalidTaskID, seqText, err)
	}
	id := TaskID{Epoch: epoch, Sequence: seq}
	if id.String() != s {
		return TaskID{}, fmt.Errorf("%w: %q is not canonical, want %q", ErrInvalidTaskID, s, id.String())
	}
	return id, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func (id TaskID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *TaskID) UnmarshalText(b []byte) error {
	parsed, err := ParseTaskID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
