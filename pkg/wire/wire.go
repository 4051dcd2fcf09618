// Package wire implements the bit-exact, little-endian binary layouts the
// treestore and shardedtree engines persist to disk: fixed-size node
// records, fixed-size child map entries, and the variable-length master
// record. Every encode/decode pair here is a direct, positional byte
// layout — no framework serializer sits between these structs and disk.
package wire

import (
	"encoding/binary"

	"github.com/arboric/treemap/pkg/treeerr"
)

const (
	// NodeRecordSize is the fixed size in bytes of one NodeRecord.
	NodeRecordSize = 40
	// ChildMapEntrySize is the fixed size in bytes of one ChildMapEntry.
	ChildMapEntrySize = 10
	// MasterRecordMinSize is the fixed-width prefix of a MasterRecord,
	// before the variable-length selector list.
	MasterRecordMinSize = 24

	// NodeChildMetaOffset is the byte offset, within a NodeRecord, of the
	// first_child_map_pos/n_children/max_children tail.
	NodeChildMetaOffset = 24
	// NodeChildMetaSize is the size in bytes of that tail.
	NodeChildMetaSize = 16
)

// NoParent is the sentinel parent_pos value meaning "no parent" (the top
// node in a single TreeStore).
const NoParent uint64 = ^uint64(0)

// NodeRecord is the fixed 40-byte on-disk node record: parent position,
// hits, score, and the children-meta tail (first child map block
// position, child count, and declared capacity).
type NodeRecord struct {
	ParentPos        uint64
	Hits             uint64
	Score            uint64
	FirstChildMapPos uint64
	NChildren        uint32
	MaxChildren      uint32
}

// HasParent reports whether ParentPos names a real parent, as opposed to
// the all-ones sentinel.
func (n NodeRecord) HasParent() bool {
	return n.ParentPos != NoParent
}

// EncodeNodeRecord serializes r into a fresh 40-byte little-endian buffer.
func EncodeNodeRecord(r NodeRecord) []byte {
	buf := make([]byte, NodeRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.ParentPos)
	binary.LittleEndian.PutUint64(buf[8:16], r.Hits)
	binary.LittleEndian.PutUint64(buf[16:24], r.Score)
	binary.LittleEndian.PutUint64(buf[24:32], r.FirstChildMapPos)
	binary.LittleEndian.PutUint32(buf[32:36], r.NChildren)
	binary.LittleEndian.PutUint32(buf[36:40], r.MaxChildren)
	return buf
}

// DecodeNodeRecord parses a 40-byte buffer into a NodeRecord.
func DecodeNodeRecord(buf []byte) (NodeRecord, error) {
	if len(buf) != NodeRecordSize {
		return NodeRecord{}, treeerr.NewLogicError("node record: expected %d bytes, got %d", NodeRecordSize, len(buf))
	}
	return NodeRecord{
		ParentPos:        binary.LittleEndian.Uint64(buf[0:8]),
		Hits:             binary.LittleEndian.Uint64(buf[8:16]),
		Score:            binary.LittleEndian.Uint64(buf[16:24]),
		FirstChildMapPos: binary.LittleEndian.Uint64(buf[24:32]),
		NChildren:        binary.LittleEndian.Uint32(buf[32:36]),
		MaxChildren:      binary.LittleEndian.Uint32(buf[36:40]),
	}, nil
}

// EncodeChildMeta serializes just the 16-byte children-meta tail of a node
// record (the part add_child patches in place).
func EncodeChildMeta(firstChildMapPos uint64, nChildren, maxChildren uint32) []byte {
	buf := make([]byte, NodeChildMetaSize)
	binary.LittleEndian.PutUint64(buf[0:8], firstChildMapPos)
	binary.LittleEndian.PutUint32(buf[8:12], nChildren)
	binary.LittleEndian.PutUint32(buf[12:16], maxChildren)
	return buf
}

// DecodeChildMeta parses the 16-byte children-meta tail.
func DecodeChildMeta(buf []byte) (firstChildMapPos uint64, nChildren, maxChildren uint32, err error) {
	if len(buf) != NodeChildMetaSize {
		return 0, 0, 0, treeerr.NewLogicError("child meta: expected %d bytes, got %d", NodeChildMetaSize, len(buf))
	}
	firstChildMapPos = binary.LittleEndian.Uint64(buf[0:8])
	nChildren = binary.LittleEndian.Uint32(buf[8:12])
	maxChildren = binary.LittleEndian.Uint32(buf[12:16])
	return firstChildMapPos, nChildren, maxChildren, nil
}

// ChildMapEntry is the fixed 10-byte on-disk child map entry.
type ChildMapEntry struct {
	NodePos uint64
	Key     uint16
}

// EncodeChildMapBlock serializes a full map block of capacity max entries,
// with the first len(entries) slots filled and the remainder set to the
// reserved all-ones sentinel bytes.
func EncodeChildMapBlock(entries []ChildMapEntry, max uint32) []byte {
	buf := make([]byte, ChildMapEntrySize*int(max))
	for i := range buf {
		buf[i] = 0xFF
	}
	for i, e := range entries {
		offset := i * ChildMapEntrySize
		binary.LittleEndian.PutUint64(buf[offset:offset+8], e.NodePos)
		binary.LittleEndian.PutUint16(buf[offset+8:offset+10], e.Key)
	}
	return buf
}

// DecodeChildMapBlock parses the first n valid entries out of a map block
// buffer of the given capacity.
func DecodeChildMapBlock(buf []byte, n uint32) ([]ChildMapEntry, error) {
	if len(buf) < int(n)*ChildMapEntrySize {
		return nil, treeerr.NewLogicError("child map block: buffer too small for %d entries", n)
	}
	entries := make([]ChildMapEntry, n)
	for i := uint32(0); i < n; i++ {
		offset := int(i) * ChildMapEntrySize
		entries[i] = ChildMapEntry{
			NodePos: binary.LittleEndian.Uint64(buf[offset : offset+8]),
			Key:     binary.LittleEndian.Uint16(buf[offset+8 : offset+10]),
		}
	}
	return entries, nil
}

// MasterRecord is the ShardedTreeStore's on-disk roster record: the
// variable-width counterpart of NodeRecord/ChildMapEntry.
type MasterRecord struct {
	MaxTopShards uint32
	ShardCount   uint32
	TopHits      uint64
	TopScore     uint64
	Selectors    []byte
}

// EncodeMasterRecord serializes m into its on-disk form.
func EncodeMasterRecord(m MasterRecord) []byte {
	buf := make([]byte, MasterRecordMinSize+len(m.Selectors))
	binary.LittleEndian.PutUint32(buf[0:4], m.MaxTopShards)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(m.Selectors)))
	binary.LittleEndian.PutUint64(buf[8:16], m.TopHits)
	binary.LittleEndian.PutUint64(buf[16:24], m.TopScore)
	copy(buf[24:], m.Selectors)
	return buf
}

// DecodeMasterRecord parses a master record buffer. It returns a
// LogicError if buf is shorter than the fixed prefix, or shorter than the
// prefix plus the declared shard count (a truncated/corrupt file).
func DecodeMasterRecord(buf []byte) (MasterRecord, error) {
	if len(buf) < MasterRecordMinSize {
		return MasterRecord{}, treeerr.NewLogicError("master record: buffer shorter than %d-byte header", MasterRecordMinSize)
	}
	m := MasterRecord{
		MaxTopShards: binary.LittleEndian.Uint32(buf[0:4]),
		ShardCount:   binary.LittleEndian.Uint32(buf[4:8]),
		TopHits:      binary.LittleEndian.Uint64(buf[8:16]),
		TopScore:     binary.LittleEndian.Uint64(buf[16:24]),
	}
	if len(buf) < MasterRecordMinSize+int(m.ShardCount) {
		return MasterRecord{}, treeerr.NewLogicError("master record: truncated, expected %d selector bytes", m.ShardCount)
	}
	m.Selectors = append([]byte(nil), buf[MasterRecordMinSize:MasterRecordMinSize+int(m.ShardCount)]...)
	return m, nil
}
