package streaming

import (
	"fmt"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the stream service messages.
const (
	fetchPlanID      protowire.Number = 1
	fetchDescription protowire.Number = 2
	fetchReason      protowire.Number = 3
	fetchKeyspace    protowire.Number = 4
	fetchRange       protowire.Number = 5
	fetchCompression protowire.Number = 6
	fetchRequester   protowire.Number = 7

	rangeStart protowire.Number = 1
	rangeEnd   protowire.Number = 2

	frameTableID    protowire.Number = 1
	framePayload    protowire.Number = 2
	frameCompressed protowire.Number = 3
	frameFragmented protowire.Number = 4
	frameHeader     protowire.Number = 5

	summaryFragments protowire.Number = 1
	summaryBytes     protowire.Number = 2
)

// FetchRequest opens a session. Receivers send it to pull ranges, senders
// put it in the first frame of a push.
type FetchRequest struct {
	PlanID      uuid.UUID
	Description string
	Reason      Reason
	Keyspace    string
	Ranges      []dht.TokenRange
	Compression string
	Requester   string
}

// Frame carries one frozen mutation of a table
type Frame struct {
	TableID    uuid.UUID
	Payload    []byte
	Compressed bool
	Fragmented bool
	// Header is only set on the first frame of a push
	Header *FetchRequest
}

// PushSummary acknowledges a push
type PushSummary struct {
	Fragments int64
	Bytes     int64
}

func (r *FetchRequest) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, fetchPlanID, protowire.BytesType)
	b = protowire.AppendBytes(b, r.PlanID[:])
	if r.Description != "" {
		b = protowire.AppendTag(b, fetchDescription, protowire.BytesType)
		b = protowire.AppendString(b, r.Description)
	}
	b = protowire.AppendTag(b, fetchReason, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Reason))
	b = protowire.AppendTag(b, fetchKeyspace, protowire.BytesType)
	b = protowire.AppendString(b, r.Keyspace)
	for _, rng := range r.Ranges {
		var m []byte
		m = protowire.AppendTag(m, rangeStart, protowire.VarintType)
		m = protowire.AppendVarint(m, protowire.EncodeZigZag(int64(rng.Start)))
		m = protowire.AppendTag(m, rangeEnd, protowire.VarintType)
		m = protowire.AppendVarint(m, protowire.EncodeZigZag(int64(rng.End)))
		b = protowire.AppendTag(b, fetchRange, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	if r.Compression != "" {
		b = protowire.AppendTag(b, fetchCompression, protowire.BytesType)
		b = protowire.AppendString(b, r.Compression)
	}
	if r.Requester != "" {
		b = protowire.AppendTag(b, fetchRequester, protowire.BytesType)
		b = protowire.AppendString(b, r.Requester)
	}
	return b
}

// Marshal encodes the request in protobuf wire format
func (r *FetchRequest) Marshal() ([]byte, error) {
	return r.appendTo(nil), nil
}

// Unmarshal decodes a request produced by Marshal
func (r *FetchRequest) Unmarshal(b []byte) error {
	*r = FetchRequest{}
	return walk(b, func(num protowire.Number, v value) error {
		switch num {
		case fetchPlanID:
			id, err := uuid.FromBytes(v.bytes)
			if err != nil {
				return fmt.Errorf("invalid plan id: %w", err)
			}
			r.PlanID = id
		case fetchDescription:
			r.Description = string(v.bytes)
		case fetchReason:
			r.Reason = Reason(v.varint)
		case fetchKeyspace:
			r.Keyspace = string(v.bytes)
		case fetchRange:
			var rng dht.TokenRange
			err := walk(v.bytes, func(num protowire.Number, v value) error {
				switch num {
				case rangeStart:
					rng.Start = dht.Token(protowire.DecodeZigZag(v.varint))
				case rangeEnd:
					rng.End = dht.Token(protowire.DecodeZigZag(v.varint))
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("invalid range: %w", err)
			}
			r.Ranges = append(r.Ranges, rng)
		case fetchCompression:
			r.Compression = string(v.bytes)
		case fetchRequester:
			r.Requester = string(v.bytes)
		}
		return nil
	})
}

// Marshal encodes the frame in protobuf wire format
func (f *Frame) Marshal() ([]byte, error) {
	b := make([]byte, 0, len(f.Payload)+32)
	if f.TableID != uuid.Nil {
		b = protowire.AppendTag(b, frameTableID, protowire.BytesType)
		b = protowire.AppendBytes(b, f.TableID[:])
	}
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, framePayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	if f.Compressed {
		b = protowire.AppendTag(b, frameCompressed, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if f.Fragmented {
		b = protowire.AppendTag(b, frameFragmented, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if f.Header != nil {
		b = protowire.AppendTag(b, frameHeader, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Header.appendTo(nil))
	}
	return b, nil
}

// Unmarshal decodes a frame produced by Marshal. The payload aliases b.
func (f *Frame) Unmarshal(b []byte) error {
	*f = Frame{}
	return walk(b, func(num protowire.Number, v value) error {
		switch num {
		case frameTableID:
			id, err := uuid.FromBytes(v.bytes)
			if err != nil {
				return fmt.Errorf("invalid table id: %w", err)
			}
			f.TableID = id
		case framePayload:
			f.Payload = v.bytes
		case frameCompressed:
			f.Compressed = v.varint != 0
		case frameFragmented:
			f.Fragmented = v.varint != 0
		case frameHeader:
			h := &FetchRequest{}
			if err := h.Unmarshal(v.bytes); err != nil {
				return err
			}
			f.Header = h
		}
		return nil
	})
}

// Marshal encodes the summary in protobuf wire format
func (s *PushSummary) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, summaryFragments, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Fragments))
	b = protowire.AppendTag(b, summaryBytes, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Bytes))
	return b, nil
}

// Unmarshal decodes a summary produced by Marshal
func (s *PushSummary) Unmarshal(b []byte) error {
	*s = PushSummary{}
	return walk(b, func(num protowire.Number, v value) error {
		switch num {
		case summaryFragments:
			s.Fragments = int64(v.varint)
		case summaryBytes:
			s.Bytes = int64(v.varint)
		}
		return nil
	})
}

type value struct {
	varint uint64
	bytes  []byte
}

// walk visits every field of a message. Unknown wire types are skipped.
func walk(b []byte, fn func(protowire.Number, value) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		var v value
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}
