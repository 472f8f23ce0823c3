package record

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/golang/snappy"

	mirrorerrors "github.com/cuza/mDNS-Mirror/internal/errors"
)

// WireVersion is the snapshot envelope version produced by EncodeSnapshot.
const WireVersion = 1

// ContentType is the media type of an encoded snapshot.
const ContentType = "application/octet-stream"

// Envelope is the decoded form of an exposed snapshot.
type Envelope struct {
	Version  int      `json:"version"`
	Node     string   `json:"node,omitempty"`
	Services Snapshot `json:"services"`
}

// EncodeSnapshot serializes s as a snappy-compressed JSON envelope.
func EncodeSnapshot(node string, s Snapshot) ([]byte, error) {
	if s == nil {
		s = Snapshot{}
	}
	raw, err := json.Marshal(Envelope{Version: WireVersion, Node: node, Services: s})
	if err != nil {
		return nil, mirrorerrors.WrapCodecError(err, "encode_snapshot", "marshal envelope")
	}
	return snappy.Encode(nil, raw), nil
}

// DecodeSnapshot parses a payload produced by EncodeSnapshot.
// Every record must be keyed by its own name.
func DecodeSnapshot(data []byte) (*Envelope, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, mirrorerrors.WrapCodecError(err, "decode_snapshot", "decompress payload")
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, mirrorerrors.WrapCodecError(err, "decode_snapshot", "unmarshal envelope")
	}
	if env.Version != WireVersion {
		return nil, mirrorerrors.NewCodecError("decode_snapshot",
			fmt.Sprintf("unsupported snapshot version %d", env.Version))
	}
	if env.Services == nil {
		env.Services = Snapshot{}
	}
	for name, rec := range env.Services {
		if rec.Name != name {
			return nil, mirrorerrors.NewCodecError("decode_snapshot",
				fmt.Sprintf("record %q stored under key %q", rec.Name, name))
		}
	}
	return &env, nil
}
