package transcode

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/danmuck/roundctl/internal/protocol/tlv"
)

const (
	CodecH264 = "H.264"
	CodecH265 = "H.265"
)

const (
	fieldSourceVideo uint16 = 1
	fieldSourceAudio uint16 = 2
	fieldTargetVideo uint16 = 3
	fieldTargetAudio uint16 = 4
)

type VideoConfig struct {
	Codec string `json:"codec"`
}

type AudioConfig struct {
	Codec string `json:"codec"`
}

type MediaConfig struct {
	Video VideoConfig `json:"video"`
	Audio AudioConfig `json:"audio"`
}

// Config is the semantic form of a MEDIA_TRANSCODING task config.
type Config struct {
	Source MediaConfig `json:"source"`
	Target MediaConfig `json:"target"`
}

func (c Config) Validate() error {
	required := []struct{ name, value string }{
		{"source.video.codec", c.Source.Video.Codec},
		{"source.audio.codec", c.Source.Audio.Codec},
		{"target.video.codec", c.Target.Video.Codec},
		{"target.audio.codec", c.Target.Audio.Codec},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("transcode: %s is required", f.name)
		}
	}
	if _, err := OutputCodec(c.Target.Video.Codec); err != nil {
		return err
	}
	return nil
}

// OutputCodec maps a target video codec name to its wire number.
func OutputCodec(name string) (int32, error) {
	switch name {
	case CodecH264:
		return 0, nil
	case CodecH265:
		return 1, nil
	default:
		return 0, fmt.Errorf("transcode: unsupported target video codec %q", name)
	}
}

func encodeConfig(cfg Config) []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.String(fieldSourceVideo, cfg.Source.Video.Codec),
		tlv.String(fieldSourceAudio, cfg.Source.Audio.Codec),
		tlv.String(fieldTargetVideo, cfg.Target.Video.Codec),
		tlv.String(fieldTargetAudio, cfg.Target.Audio.Codec),
	})
}

func decodeConfig(payload []byte) (Config, error) {
	fields, err := tlv.DecodeUnique(payload)
	if err != nil {
		return Config{}, errors.Wrap(err, "transcode: decode")
	}
	var cfg Config
	targets := []struct {
		id  uint16
		dst *string
	}{
		{fieldSourceVideo, &cfg.Source.Video.Codec},
		{fieldSourceAudio, &cfg.Source.Audio.Codec},
		{fieldTargetVideo, &cfg.Target.Video.Codec},
		{fieldTargetAudio, &cfg.Target.Audio.Codec},
	}
	for _, f := range targets {
		if *f.dst, err = tlv.GetString(fields, f.id); err != nil {
			return Config{}, errors.Wrapf(err, "transcode: field %d", f.id)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
