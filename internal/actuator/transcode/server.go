package transcode

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	logs "github.com/danmuck/roundctl/internal/logging"
)

// Server is a reference transcoder. It does no media work and reports
// simulated progress over Steps replies.
type Server struct {
	Steps    int
	Interval time.Duration
	// Size is the simulated output size in bytes.
	Size uint64
}

var _ TranscoderServer = (*Server)(nil)

func NewServer(steps int, interval time.Duration) *Server {
	if steps <= 0 {
		steps = 10
	}
	return &Server{Steps: steps, Interval: interval, Size: 1 << 20}
}

func (s *Server) DispatchVoD(req *DispatchRequest, stream DispatchStream) error {
	if strings.TrimSpace(req.OriginURL) == "" {
		return status.Error(codes.InvalidArgument, "origin_url is required")
	}
	if req.OutputCodec != 0 && req.OutputCodec != 1 {
		return status.Errorf(codes.InvalidArgument, "unsupported output codec %d", req.OutputCodec)
	}
	logs.Infof("transcode.Server.DispatchVoD task=%s unique_id=%s origin=%s codec=%d",
		req.TaskID, req.UniqueID, req.OriginURL, req.OutputCodec)

	reply := func(st string, step int, msg string) *DispatchReply {
		return &DispatchReply{
			TaskID:     req.TaskID,
			UniqueID:   req.UniqueID,
			Status:     st,
			Percent:    float64(step) * 100 / float64(s.Steps),
			BytesDone:  s.Size * uint64(step) / uint64(s.Steps),
			BytesTotal: s.Size,
			Message:    msg,
		}
	}
	if err := stream.Send(reply(StatusQueued, 0, "queued")); err != nil {
		return err
	}
	for step := 1; step <= s.Steps; step++ {
		if s.Interval > 0 {
			t := time.NewTimer(s.Interval)
			select {
			case <-stream.Context().Done():
				t.Stop()
				return status.FromContextError(stream.Context().Err()).Err()
			case <-t.C:
			}
		}
		st := StatusTranscoding
		msg := fmt.Sprintf("segment %d/%d", step, s.Steps)
		if step == s.Steps {
			st = StatusCompleted
			msg = "done"
		}
		if err := stream.Send(reply(st, step, msg)); err != nil {
			return err
		}
	}
	return nil
}
