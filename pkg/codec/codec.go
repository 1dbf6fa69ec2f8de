// Package codec converts typed node and edge records to and from a compact
// binary form for the storage layer.
//
// Record layout:
//
//	[0]    magic (0xE7)
//	[1]    format version
//	[2]    record type (node / edge)
//	[3..]  tag byte + length-prefixed fields (uvarint lengths)
//	[-4:]  CRC32-C of everything before the trailer
//
// Encoding is deterministic: map keys are written in sorted order. Any
// checksum or structural failure on decode surfaces as a
// *graph.CorruptRecordError rather than wrong data.
package codec

import (
	"encoding/binary"
	"hash/crc32"
	"math"
	"sort"
	"time"

	"github.com/orneryd/engramdb/pkg/graph"
)

const (
	magic         = 0xE7
	formatVersion = 0x01

	recordNode = 0x01
	recordEdge = 0x02
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Kind tags. The tag byte is the on-disk discriminant; never renumber.
var kindTags = map[graph.NodeKind]byte{
	graph.KindSession:        0x01,
	graph.KindPrompt:         0x02,
	graph.KindResponse:       0x03,
	graph.KindToolInvocation: 0x04,
	graph.KindAgent:          0x05,
	graph.KindTemplate:       0x06,
	graph.KindArchivePointer: 0x07,
}

var tagKinds = invertKinds(kindTags)

var edgeTags = map[graph.EdgeType]byte{
	graph.Follows:      0x01,
	graph.RespondsTo:   0x02,
	graph.Invokes:      0x03,
	graph.Instantiates: 0x04,
	graph.Inherits:     0x05,
	graph.HandledBy:    0x06,
	graph.TransfersTo:  0x07,
	graph.References:   0x08,
}

var tagEdges = invertEdges(edgeTags)

func invertKinds(m map[graph.NodeKind]byte) map[byte]graph.NodeKind {
	out := make(map[byte]graph.NodeKind, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

func invertEdges(m map[graph.EdgeType]byte) map[byte]graph.EdgeType {
	out := make(map[byte]graph.EdgeType, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

func corrupt(reason string) error {
	return &graph.CorruptRecordError{Reason: reason}
}

// EncodeNode serializes a node record.
func EncodeNode(n *graph.Node) ([]byte, error) {
	if n == nil || n.Payload == nil {
		return nil, &graph.ValidationError{Field: "payload", Reason: "must not be nil"}
	}
	tag, ok := kindTags[n.Kind]
	if !ok {
		return nil, &graph.ValidationError{Field: "kind", Reason: "unknown node kind"}
	}
	if n.Payload.Kind() != n.Kind {
		return nil, &graph.ValidationError{Field: "payload", Reason: "payload kind does not match node kind"}
	}

	w := newWriter()
	w.u8(magic)
	w.u8(formatVersion)
	w.u8(recordNode)
	w.u8(tag)
	w.str(string(n.ID))
	w.str(string(n.SessionID))
	w.timeMicro(n.CreatedAt)
	w.uvarint(n.Version)
	w.uvarint(n.Seq)
	w.strMap(n.Metadata)
	encodePayload(w, n.Payload)
	return w.seal(), nil
}

// DecodeNode deserializes a node record, verifying its checksum first.
func DecodeNode(data []byte) (*graph.Node, error) {
	r, err := open(data, recordNode)
	if err != nil {
		return nil, err
	}
	tag := r.u8()
	kind, ok := tagKinds[tag]
	if !ok {
		return nil, corrupt("unknown node kind tag")
	}

	n := &graph.Node{Kind: kind}
	n.ID = graph.NodeID(r.str())
	n.SessionID = graph.NodeID(r.str())
	n.CreatedAt = r.timeMicro()
	n.Version = r.uvarint()
	n.Seq = r.uvarint()
	n.Metadata = r.strMap()

	payload, err := graph.NewPayload(kind)
	if err != nil {
		return nil, corrupt(err.Error())
	}
	decodePayload(r, payload)
	if r.err != nil {
		return nil, corrupt(r.err.Error())
	}
	if !r.done() {
		return nil, corrupt("trailing bytes after node record")
	}
	n.Payload = payload
	return n, nil
}

// EncodeEdge serializes an edge record.
func EncodeEdge(e *graph.Edge) ([]byte, error) {
	tag, ok := edgeTags[e.Type]
	if !ok {
		return nil, &graph.ValidationError{Field: "type", Reason: "unknown edge type"}
	}

	w := newWriter()
	w.u8(magic)
	w.u8(formatVersion)
	w.u8(recordEdge)
	w.u8(tag)
	w.str(string(e.ID))
	w.str(string(e.From))
	w.str(string(e.To))
	w.timeMicro(e.CreatedAt)
	w.uvarint(e.Version)
	w.uvarint(e.Seq)
	w.strMap(e.Properties)
	return w.seal(), nil
}

// DecodeEdge deserializes an edge record, verifying its checksum first.
func DecodeEdge(data []byte) (*graph.Edge, error) {
	r, err := open(data, recordEdge)
	if err != nil {
		return nil, err
	}
	tag := r.u8()
	typ, ok := tagEdges[tag]
	if !ok {
		return nil, corrupt("unknown edge type tag")
	}

	e := &graph.Edge{Type: typ}
	e.ID = graph.EdgeID(r.str())
	e.From = graph.NodeID(r.str())
	e.To = graph.NodeID(r.str())
	e.CreatedAt = r.timeMicro()
	e.Version = r.uvarint()
	e.Seq = r.uvarint()
	e.Properties = r.strMap()
	if r.err != nil {
		return nil, corrupt(r.err.Error())
	}
	if !r.done() {
		return nil, corrupt("trailing bytes after edge record")
	}
	return e, nil
}

// open verifies envelope and checksum and positions a reader after the
// record-type byte.
func open(data []byte, wantType byte) (*reader, error) {
	if len(data) < 8 {
		return nil, corrupt("record too short")
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	sum := binary.BigEndian.Uint32(trailer)
	if crc32.Checksum(body, castagnoli) != sum {
		return nil, corrupt("checksum mismatch")
	}
	if body[0] != magic {
		return nil, corrupt("bad magic byte")
	}
	if body[1] != formatVersion {
		return nil, corrupt("unsupported format version")
	}
	if body[2] != wantType {
		return nil, corrupt("wrong record type")
	}
	return &reader{buf: body, off: 3}, nil
}

func encodePayload(w *writer, p graph.Payload) {
	switch v := p.(type) {
	case *graph.SessionPayload:
		w.str(v.Name)
		w.bool(v.Active)
	case *graph.PromptPayload:
		w.str(v.Text)
		w.str(string(v.TemplateID))
		w.strMap(v.Variables)
		w.str(v.Model)
		w.f64(v.Temperature)
		w.uvarint(v.MaxTokens)
		w.strSlice(v.ToolNames)
	case *graph.ResponsePayload:
		w.str(v.Text)
		w.str(string(v.PromptID))
		w.uvarint(v.TokenUsage.Prompt)
		w.uvarint(v.TokenUsage.Completion)
		w.uvarint(v.TokenUsage.Total)
		w.str(v.Model)
		w.str(v.FinishReason)
		w.uvarint(v.LatencyMs)
	case *graph.ToolInvocationPayload:
		w.str(string(v.ResponseID))
		w.str(v.ToolName)
		w.strMap(v.Parameters)
		w.str(v.Result)
		w.str(v.Error)
		w.uvarint(v.DurationMs)
		w.uvarint(v.RetryCount)
		w.bool(v.Success)
	case *graph.AgentPayload:
		w.str(v.Name)
		w.str(v.Role)
		w.strSlice(v.Capabilities)
		w.str(string(v.Status))
		w.timeMicro(v.LastActiveAt)
		w.uvarint(v.PromptsHandled)
		w.uvarint(v.Handoffs)
	case *graph.TemplatePayload:
		w.str(v.Name)
		w.uvarint(v.Version.Major)
		w.uvarint(v.Version.Minor)
		w.uvarint(v.Version.Patch)
		w.str(v.Text)
		w.uvarint(uint64(len(v.Variables)))
		for _, spec := range v.Variables {
			w.str(spec.Name)
			w.str(spec.TypeHint)
			w.bool(spec.Required)
			w.str(spec.Default)
			w.str(spec.Pattern)
			w.str(spec.Description)
		}
		w.str(string(v.ParentID))
		w.uvarint(v.UsageCount)
	case *graph.ArchivePointerPayload:
		w.str(string(v.SessionID))
		w.str(v.BundleRef)
		w.timeMicro(v.ArchivedAt)
		w.uvarint(v.NodeCount)
		w.uvarint(v.EdgeCount)
	}
}

func decodePayload(r *reader, p graph.Payload) {
	switch v := p.(type) {
	case *graph.SessionPayload:
		v.Name = r.str()
		v.Active = r.bool()
	case *graph.PromptPayload:
		v.Text = r.str()
		v.TemplateID = graph.NodeID(r.str())
		v.Variables = r.strMap()
		v.Model = r.str()
		v.Temperature = r.f64()
		v.MaxTokens = r.uvarint()
		v.ToolNames = r.strSlice()
	case *graph.ResponsePayload:
		v.Text = r.str()
		v.PromptID = graph.NodeID(r.str())
		v.TokenUsage.Prompt = r.uvarint()
		v.TokenUsage.Completion = r.uvarint()
		v.TokenUsage.Total = r.uvarint()
		v.Model = r.str()
		v.FinishReason = r.str()
		v.LatencyMs = r.uvarint()
	case *graph.ToolInvocationPayload:
		v.ResponseID = graph.NodeID(r.str())
		v.ToolName = r.str()
		v.Parameters = r.strMap()
		v.Result = r.str()
		v.Error = r.str()
		v.DurationMs = r.uvarint()
		v.RetryCount = r.uvarint()
		v.Success = r.bool()
	case *graph.AgentPayload:
		v.Name = r.str()
		v.Role = r.str()
		v.Capabilities = r.strSlice()
		v.Status = graph.AgentStatus(r.str())
		v.LastActiveAt = r.timeMicro()
		v.PromptsHandled = r.uvarint()
		v.Handoffs = r.uvarint()
	case *graph.TemplatePayload:
		v.Name = r.str()
		v.Version.Major = r.uvarint()
		v.Version.Minor = r.uvarint()
		v.Version.Patch = r.uvarint()
		v.Text = r.str()
		count := r.uvarint()
		if r.err == nil && count > uint64(len(r.buf)) {
			r.fail("variable spec count exceeds record size")
			return
		}
		v.Variables = make([]graph.VariableSpec, 0, count)
		for i := uint64(0); i < count && r.err == nil; i++ {
			v.Variables = append(v.Variables, graph.VariableSpec{
				Name:        r.str(),
				TypeHint:    r.str(),
				Required:    r.bool(),
				Default:     r.str(),
				Pattern:     r.str(),
				Description: r.str(),
			})
		}
		v.ParentID = graph.NodeID(r.str())
		v.UsageCount = r.uvarint()
	case *graph.ArchivePointerPayload:
		v.SessionID = graph.NodeID(r.str())
		v.BundleRef = r.str()
		v.ArchivedAt = r.timeMicro()
		v.NodeCount = r.uvarint()
		v.EdgeCount = r.uvarint()
	}
}

// ============================================================================
// Wire primitives
// ============================================================================

type writer struct {
	buf []byte
	tmp [binary.MaxVarintLen64]byte
}

func newWriter() *writer {
	return &writer{buf: make([]byte, 0, 256)}
}

func (w *writer) u8(b byte) { w.buf = append(w.buf, b) }

func (w *writer) uvarint(v uint64) {
	n := binary.PutUvarint(w.tmp[:], v)
	w.buf = append(w.buf, w.tmp[:n]...)
}

func (w *writer) varint(v int64) {
	n := binary.PutVarint(w.tmp[:], v)
	w.buf = append(w.buf, w.tmp[:n]...)
}

func (w *writer) str(s string) {
	w.uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) bool(b bool) {
	if b {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) f64(f float64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	w.buf = append(w.buf, b[:]...)
}

// timeMicro encodes a timestamp at microsecond resolution. The zero time is
// encoded as a presence flag so it round-trips exactly.
func (w *writer) timeMicro(t time.Time) {
	if t.IsZero() {
		w.u8(0)
		return
	}
	w.u8(1)
	w.varint(t.UnixMicro())
}

func (w *writer) strMap(m map[string]string) {
	w.uvarint(uint64(len(m)))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.str(k)
		w.str(m[k])
	}
}

func (w *writer) strSlice(s []string) {
	w.uvarint(uint64(len(s)))
	for _, v := range s {
		w.str(v)
	}
}

// seal appends the CRC32-C trailer and returns the finished record.
func (w *writer) seal() []byte {
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], crc32.Checksum(w.buf, castagnoli))
	return append(w.buf, trailer[:]...)
}

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(reason string) {
	if r.err == nil {
		r.err = corrupt(reason)
	}
}

func (r *reader) done() bool { return r.err == nil && r.off == len(r.buf) }

func (r *reader) u8() byte {
	if r.err != nil {
		return 0
	}
	if r.off >= len(r.buf) {
		r.fail("unexpected end of record")
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.fail("malformed uvarint")
		return 0
	}
	r.off += n
	return v
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		r.fail("malformed varint")
		return 0
	}
	r.off += n
	return v
}

func (r *reader) str() string {
	n := r.uvarint()
	if r.err != nil {
		return ""
	}
	if uint64(len(r.buf)-r.off) < n {
		r.fail("string length exceeds record size")
		return ""
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s
}

func (r *reader) bool() bool { return r.u8() == 1 }

func (r *reader) f64() float64 {
	if r.err != nil {
		return 0
	}
	if len(r.buf)-r.off < 8 {
		r.fail("unexpected end of record")
		return 0
	}
	v := math.Float64frombits(binary.BigEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v
}

func (r *reader) timeMicro() time.Time {
	if r.u8() == 0 {
		return time.Time{}
	}
	return time.UnixMicro(r.varint()).UTC()
}

func (r *reader) strMap() map[string]string {
	n := r.uvarint()
	if r.err != nil || n == 0 {
		return nil
	}
	if n > uint64(len(r.buf)) {
		r.fail("map size exceeds record size")
		return nil
	}
	m := make(map[string]string, n)
	for i := uint64(0); i < n && r.err == nil; i++ {
		k := r.str()
		m[k] = r.str()
	}
	return m
}

func (r *reader) strSlice() []string {
	n := r.uvarint()
	if r.err != nil || n == 0 {
		return nil
	}
	if n > uint64(len(r.buf)) {
		r.fail("slice size exceeds record size")
		return nil
	}
	s := make([]string, 0, n)
	for i := uint64(0); i < n && r.err == nil; i++ {
		s = append(s, r.str())
	}
	return s
}
