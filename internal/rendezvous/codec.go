package rendezvous

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The coordinator speaks protobuf. Its messages only carry string fields, so
// they are encoded directly on the wire format.

const (
	subscribeServiceField = 1
	subscribeRegionField  = 2

	branchBIDField = 1
	branchTagField = 2

	closeBranchBIDField    = 1
	closeBranchRegionField = 2
)

type message interface {
	marshal() []byte
	unmarshal([]byte) error
}

// SubscribeRequest opens the stream of branches for a service in a region.
type SubscribeRequest struct {
	Service string
	Region  string
}

func (m *SubscribeRequest) marshal() []byte {
	var b []byte
	b = appendString(b, subscribeServiceField, m.Service)
	b = appendString(b, subscribeRegionField, m.Region)
	return b
}

func (m *SubscribeRequest) unmarshal(b []byte) error {
	*m = SubscribeRequest{}
	return consumeStrings(b, map[protowire.Number]*string{
		subscribeServiceField: &m.Service,
		subscribeRegionField:  &m.Region,
	})
}

// Branch is one opened branch pushed on the subscription stream.
type Branch struct {
	BID string
	Tag string
}

func (m *Branch) marshal() []byte {
	var b []byte
	b = appendString(b, branchBIDField, m.BID)
	b = appendString(b, branchTagField, m.Tag)
	return b
}

func (m *Branch) unmarshal(b []byte) error {
	*m = Branch{}
	return consumeStrings(b, map[protowire.Number]*string{
		branchBIDField: &m.BID,
		branchTagField: &m.Tag,
	})
}

// CloseBranchRequest reports that the write of a branch became visible.
type CloseBranchRequest struct {
	BID    string
	Region string
}

func (m *CloseBranchRequest) marshal() []byte {
	var b []byte
	b = appendString(b, closeBranchBIDField, m.BID)
	b = appendString(b, closeBranchRegionField, m.Region)
	return b
}

func (m *CloseBranchRequest) unmarshal(b []byte) error {
	*m = CloseBranchRequest{}
	return consumeStrings(b, map[protowire.Number]*string{
		closeBranchBIDField:    &m.BID,
		closeBranchRegionField: &m.Region,
	})
}

// Empty is the response of CloseBranch.
type Empty struct{}

func (*Empty) marshal() []byte { return nil }

func (*Empty) unmarshal(b []byte) error {
	return consumeStrings(b, nil)
}

func appendString(b []byte, num protowire.Number, value string) []byte {
	if value == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, value)
}

// consumeStrings decodes the string fields listed in fields and skips every
// other field.
func consumeStrings(b []byte, fields map[protowire.Number]*string) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if target, ok := fields[num]; ok && typ == protowire.BytesType {
			value, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			*target = value
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}

	return nil
}

// Codec marshals the coordinator messages. It satisfies both
// encoding.Codec for clients and the older grpc.Codec for servers.
type Codec struct{}

// Marshal implements encoding.Codec.
func (Codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("rendezvous codec: cannot marshal %T", v)
	}
	return m.marshal(), nil
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(message)
	if !ok {
		return fmt.Errorf("rendezvous codec: cannot unmarshal into %T", v)
	}
	if err := m.unmarshal(data); err != nil {
		return fmt.Errorf("rendezvous codec: %T: %w", v, err)
	}
	return nil
}

// Name implements encoding.Codec.
func (Codec) Name() string { return "proto" }

// String implements grpc.Codec.
func (Codec) String() string { return "proto" }
