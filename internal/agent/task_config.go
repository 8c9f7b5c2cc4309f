package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/roundctl/internal/blob"
	"github.com/danmuck/roundctl/internal/round"
)

var ErrInvalidTaskFile = errors.New("agent: invalid task file")

// RawInput is the publish-time input. An IPFS input names either an existing
// hash or a local file that is uploaded first, never both.
type RawInput struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	Hash string `json:"hash,omitempty"`
	File string `json:"file,omitempty"`
}

type WorkloadConfig struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

// RawTaskConfig is the on-disk task description read by PublishTask.
type RawTaskConfig struct {
	Input        RawInput            `json:"input"`
	Output       round.Output        `json:"output"`
	Requirements []round.Requirement `json:"requirements"`
	Offers       []round.Offer       `json:"offer"`
	Config       WorkloadConfig      `json:"config"`
}

func ReadTaskConfig(path string) (RawTaskConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RawTaskConfig{}, fmt.Errorf("agent: read task file: %w", err)
	}
	var raw RawTaskConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return RawTaskConfig{}, fmt.Errorf("%w: %s: %v", ErrInvalidTaskFile, path, err)
	}
	if raw.Input.File != "" && !filepath.IsAbs(raw.Input.File) {
		raw.Input.File = filepath.Join(filepath.Dir(path), raw.Input.File)
	}
	return raw, nil
}

// resolveInput turns the raw input into a ledger input, uploading a local
// file through bs when needed.
func resolveInput(ctx context.Context, in RawInput, bs blob.Store) (round.Input, error) {
	switch strings.ToUpper(in.Type) {
	case round.SourceLink:
		if in.URL == "" {
			return round.Input{}, fmt.Errorf("%w: LINK input needs url", ErrInvalidTaskFile)
		}
		return round.LinkInput(in.URL), nil
	case round.SourceIPFS:
		switch {
		case in.Hash != "" && in.File != "":
			return round.Input{}, fmt.Errorf("%w: both hash and file are set", ErrInvalidTaskFile)
		case in.Hash != "":
			return round.IPFSInput(in.Hash), nil
		case in.File != "":
			if bs == nil {
				return round.Input{}, fmt.Errorf("%w: no blob store for file upload", ErrInvalidTaskFile)
			}
			cid, err := bs.Put(ctx, in.File)
			if err != nil {
				return round.Input{}, err
			}
			return round.IPFSInput(cid), nil
		default:
			return round.Input{}, fmt.Errorf("%w: neither hash nor file is set", ErrInvalidTaskFile)
		}
	default:
		return round.Input{}, fmt.Errorf("%w: input type %q", ErrInvalidTaskFile, in.Type)
	}
}

func (raw RawTaskConfig) spec(input round.Input) round.TaskSpec {
	var cfg any
	if len(raw.Config.Config) > 0 {
		cfg = raw.Config.Config
	}
	return round.TaskSpec{
		Input:        input,
		Output:       raw.Output,
		Requirements: raw.Requirements,
		Offers:       raw.Offers,
		Type:         raw.Config.Type,
		Config:       cfg,
	}
}
