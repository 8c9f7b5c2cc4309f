package transcode

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	ServiceName     = "transcode.Transcoder"
	DispatchVoDPath = "/" + ServiceName + "/DispatchVoD"
	codecName       = "json"
)

// Reply statuses reported by a transcoder.
const (
	StatusQueued      = "QUEUED"
	StatusTranscoding = "TRANSCODING"
	StatusCompleted   = "COMPLETED"
	StatusFailed      = "FAILED"
)

type DispatchRequest struct {
	TaskID      string `json:"task_id"`
	OriginURL   string `json:"origin_url"`
	OutputCodec int32  `json:"output_codec"`
	UniqueID    string `json:"unique_id"`
}

type DispatchReply struct {
	TaskID     string  `json:"task_id"`
	UniqueID   string  `json:"unique_id"`
	Status     string  `json:"status"`
	Percent    float64 `json:"percent"`
	BytesDone  uint64  `json:"bytes_done"`
	BytesTotal uint64  `json:"bytes_total"`
	Message    string  `json:"message,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// TranscoderServer is implemented by transcoding backends.
type TranscoderServer interface {
	DispatchVoD(req *DispatchRequest, stream DispatchStream) error
}

// DispatchStream is the server side of a DispatchVoD call.
type DispatchStream interface {
	Send(*DispatchReply) error
	Context() context.Context
}

type dispatchStream struct {
	grpc.ServerStream
}

func (s *dispatchStream) Send(r *DispatchReply) error {
	return s.ServerStream.SendMsg(r)
}

func dispatchVoDHandler(srv any, stream grpc.ServerStream) error {
	req := new(DispatchRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TranscoderServer).DispatchVoD(req, &dispatchStream{stream})
}

var dispatchVoDDesc = grpc.StreamDesc{
	StreamName:    "DispatchVoD",
	Handler:       dispatchVoDHandler,
	ServerStreams: true,
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TranscoderServer)(nil),
	Streams:     []grpc.StreamDesc{dispatchVoDDesc},
	Metadata:    "transcode.proto",
}

func RegisterTranscoderServer(s grpc.ServiceRegistrar, srv TranscoderServer) {
	s.RegisterService(&serviceDesc, srv)
}
