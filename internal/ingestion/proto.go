package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/quasarhq/quasar/internal/domain"
)

// Finished events travel to the analytics store in a stable binary framing:
// a protobuf wire-format record with fixed field numbers. The frame is small
// and append-only, so it is encoded directly with protowire rather than
// through generated message types.
const (
	fieldUUID          = 1
	fieldEvent         = 2
	fieldProperties    = 3
	fieldTimestamp     = 4
	fieldTeamID        = 5
	fieldDistinctID    = 6
	fieldCreatedAt     = 7
	fieldElementsChain = 8
)

const frameTimeLayout = "2006-01-02 15:04:05.000000"

// MarshalFinishedEvent encodes an event into the wire framing.
func MarshalFinishedEvent(e *domain.FinishedEvent) ([]byte, error) {
	props, err := json.Marshal(e.Properties)
	if err != nil {
		return nil, fmt.Errorf("encode event properties: %w", err)
	}

	var buf []byte
	buf = appendString(buf, fieldUUID, e.UUID)
	buf = appendString(buf, fieldEvent, e.Event)
	buf = appendString(buf, fieldProperties, string(props))
	buf = appendString(buf, fieldTimestamp, e.Timestamp.UTC().Format(frameTimeLayout))
	buf = protowire.AppendTag(buf, fieldTeamID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.TeamID))
	buf = appendString(buf, fieldDistinctID, e.DistinctID)
	buf = appendString(buf, fieldCreatedAt, e.CreatedAt.UTC().Format(frameTimeLayout))
	buf = appendString(buf, fieldElementsChain, e.ElementsChain)
	return buf, nil
}

func appendString(buf []byte, field protowire.Number, s string) []byte {
	if s == "" {
		return buf
	}
	buf = protowire.AppendTag(buf, field, protowire.BytesType)
	return protowire.AppendString(buf, s)
}

// UnmarshalFinishedEvent decodes a wire frame. Used by tests and by replay
// tooling; the server itself only produces frames.
func UnmarshalFinishedEvent(data []byte) (*domain.FinishedEvent, error) {
	e := &domain.FinishedEvent{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case fieldUUID:
				e.UUID = v
			case fieldEvent:
				e.Event = v
			case fieldProperties:
				if err := json.Unmarshal([]byte(v), &e.Properties); err != nil {
					return nil, fmt.Errorf("decode event properties: %w", err)
				}
			case fieldTimestamp:
				ts, err := time.Parse(frameTimeLayout, v)
				if err != nil {
					return nil, fmt.Errorf("decode timestamp: %w", err)
				}
				e.Timestamp = ts
			case fieldDistinctID:
				e.DistinctID = v
			case fieldCreatedAt:
				ts, err := time.Parse(frameTimeLayout, v)
				if err != nil {
					return nil, fmt.Errorf("decode created_at: %w", err)
				}
				e.CreatedAt = ts
			case fieldElementsChain:
				e.ElementsChain = v
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			if num == fieldTeamID {
				e.TeamID = int64(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return e, nil
}
