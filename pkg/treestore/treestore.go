// Package treestore implements the single-shard tree engine: one tree
// persisted to a node file and a map file, both append-only.
package treestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/arboric/treemap/pkg/fileutil"
	"github.com/arboric/treemap/pkg/treeerr"
	"github.com/arboric/treemap/pkg/treemetrics"
	"github.com/arboric/treemap/pkg/wire"
)

// OpenMode selects how a store's files are created or reused on Open.
type OpenMode int

const (
	// TruncateCreate always (re)creates both files empty.
	TruncateCreate OpenMode = iota
	// OpenCreate reuses existing files if present, else creates them.
	OpenCreate
	// MustExist opens existing files and fails if either is absent.
	MustExist
)

// Node is the caller-facing view of a node record: the wire-level
// NodeRecord plus its own id and an optional parent id (nil for a node
// with no parent, i.e. the top node in a standalone TreeStore).
type Node struct {
	ID          uint64
	Parent      *uint64
	Hits        uint64
	Score       uint64
	NChildren   uint32
	MaxChildren uint32
}

// ChildIter yields a node's children, each exactly once, in reverse
// insertion order. Callers should not rely on any particular order.
type ChildIter struct {
	entries []wire.ChildMapEntry
	idx     int
}

// Next returns the next (key, id) pair, or ok=false once exhausted.
func (it *ChildIter) Next() (key uint16, id uint64, ok bool) {
	if it == nil || it.idx < 0 {
		return 0, 0, false
	}
	e := it.entries[it.idx]
	it.idx--
	return e.Key, e.NodePos / wire.NodeRecordSize, true
}

// Store is a single-shard tree backed by a node file and a map file.
// Every public method acquires mu for its entire duration; I/O may block
// while the lock is held, there is no suspension inside it.
type Store struct {
	mu        sync.Mutex
	nodeFile  *os.File
	mapFile   *os.File
	nodeCount uint64
	metrics   *treemetrics.Metrics
}

// NodePaths returns the node-file and map-file paths a Store constructed
// with this directory and selector would use. selector is nil for an
// unprefixed, standalone store, or a shard selector byte for a
// ShardedTreeStore member.
func NodePaths(dir string, selector *byte) (nodePath, mapPath string) {
	prefix := ""
	if selector != nil {
		prefix = fmt.Sprintf("%03d.", *selector)
	}
	nodePath = filepath.Join(dir, prefix+"treemap.nodes.bin")
	mapPath = filepath.Join(dir, prefix+"treemap.map.bin")
	return nodePath, mapPath
}

// New opens or creates a tree store under dir. maxChildrenForTop is only
// consulted when the store's top node is synthesized for the first time;
// on reopen the on-disk value always wins over a mismatched argument.
// selector, if non-nil, prefixes the file names with its zero-padded
// three-digit decimal form, for use as one shard of a ShardedTreeStore.
func New(dir string, maxChildrenForTop uint32, mode OpenMode, selector *byte, metrics *treemetrics.Metrics) (*Store, error) {
	nodePath, mapPath := NodePaths(dir, selector)
	exists := fileutil.FileExists(nodePath) && fileutil.FileExists(mapPath)

	var nodeFile, mapFile *os.File
	var err error

	switch {
	case mode == TruncateCreate:
		nodeFile, err = fileutil.CreateFile(nodePath)
		if err != nil {
			return nil, err
		}
		mapFile, err = fileutil.CreateFile(mapPath)
	case mode == OpenCreate && exists:
		nodeFile, err = fileutil.OpenFile(nodePath)
		if err != nil {
			return nil, err
		}
		mapFile, err = fileutil.OpenFile(mapPath)
	case mode == OpenCreate:
		nodeFile, err = fileutil.CreateFile(nodePath)
		if err != nil {
			return nil, err
		}
		mapFile, err = fileutil.CreateFile(mapPath)
	case mode == MustExist && exists:
		nodeFile, err = fileutil.OpenFile(nodePath)
		if err != nil {
			return nil, err
		}
		mapFile, err = fileutil.OpenFile(mapPath)
	default: // MustExist, files absent
		return nil, &treeerr.NonExistingFiles{Path: dir}
	}
	if err != nil {
		if nodeFile != nil {
			nodeFile.Close()
		}
		return nil, err
	}

	s := &Store{
		nodeFile: nodeFile,
		mapFile:  mapFile,
		metrics:  metrics,
	}

	if err := s.countNodes(); err != nil {
		s.Close()
		return nil, err
	}
	if s.nodeCount == 0 {
		if err := s.appendNode(wire.NoParent, 0, 0, maxChildrenForTop); err != nil {
			s.Close()
			return nil, err
		}
	}
	s.metrics.SetNodesTotal(int(s.nodeCount))

	return s, nil
}

// Close flushes and releases both file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.nodeFile != nil {
		if err := s.nodeFile.Sync(); err != nil && firstErr == nil {
			firstErr = treeerr.WrapIO(err, "syncing node file")
		}
		if err := s.nodeFile.Close(); err != nil && firstErr == nil {
			firstErr = treeerr.WrapIO(err, "closing node file")
		}
	}
	if s.mapFile != nil {
		if err := s.mapFile.Sync(); err != nil && firstErr == nil {
			firstErr = treeerr.WrapIO(err, "syncing map file")
		}
		if err := s.mapFile.Close(); err != nil && firstErr == nil {
			firstErr = treeerr.WrapIO(err, "closing map file")
		}
	}
	return firstErr
}

// GetTop returns the top node's id, always 0.
func (s *Store) GetTop() uint64 {
	return 0
}

// Len returns the current node count, including the top node.
func (s *Store) Len() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeCount
}

// GetNode reads the node record for id.
func (s *Store) GetNode(id uint64) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var node Node
	err := treemetrics.Track(s.metrics, "get_node", func() error {
		if err := s.checkPresence(id); err != nil {
			return err
		}
		rec, err := s.readNode(id * wire.NodeRecordSize)
		if err != nil {
			return err
		}
		node = toNode(id, rec)
		return nil
	})
	return node, err
}

// AddChild appends a new node as a child of parentID under key, and
// returns its new id. The child's map-block slot is allocated before its
// parent's children-meta is patched, which in turn happens before the
// new node record itself is appended, so a reader can never observe a
// children-meta pointing past the end of either file.
func (s *Store) AddChild(parentID uint64, key uint16, hits, score uint64, maxChildren uint32) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newID uint64
	err := treemetrics.Track(s.metrics, "add_child", func() error {
		if err := s.checkPresence(parentID); err != nil {
			return err
		}

		parentPos := parentID * wire.NodeRecordSize
		childPos, err := s.endOfNodeFile()
		if err != nil {
			return err
		}

		firstChildMapPos, nChildren, maxChildrenMeta, err := s.readChildMeta(parentPos)
		if err != nil {
			return err
		}

		if nChildren == 0 {
			newFirstChildMapPos, err := s.allocateFirstChildBlock(key, childPos, maxChildrenMeta)
			if err != nil {
				return err
			}
			if err := s.writeChildMeta(parentPos, newFirstChildMapPos, 1, maxChildrenMeta); err != nil {
				return err
			}
		} else {
			newNChildren, err := s.appendToChildBlock(firstChildMapPos, key, childPos, nChildren, maxChildrenMeta)
			if err != nil {
				return err
			}
			if err := s.writeChildMeta(parentPos, firstChildMapPos, newNChildren, maxChildrenMeta); err != nil {
				return err
			}
		}

		if err := s.appendNode(parentPos, hits, score, maxChildren); err != nil {
			return err
		}

		newID = childPos / wire.NodeRecordSize
		return nil
	})
	if err == nil {
		s.metrics.SetNodesTotal(int(s.nodeCount))
	}
	return newID, err
}

// GetChild looks up parentID's child under key. found is false if no such
// child exists (either the parent has no children, or key is absent).
func (s *Store) GetChild(parentID uint64, key uint16) (node Node, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = treemetrics.Track(s.metrics, "get_child", func() error {
		if err := s.checkPresence(parentID); err != nil {
			return err
		}
		parentPos := parentID * wire.NodeRecordSize
		firstChildMapPos, nChildren, maxChildren, err := s.readChildMeta(parentPos)
		if err != nil {
			return err
		}
		if nChildren == 0 {
			return nil
		}
		entries, err := s.readChildBlock(firstChildMapPos, nChildren, maxChildren)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Key == key {
				childID := e.NodePos / wire.NodeRecordSize
				rec, err := s.readNode(e.NodePos)
				if err != nil {
					return err
				}
				node = toNode(childID, rec)
				found = true
				return nil
			}
		}
		return nil
	})
	return node, found, err
}

// GetParent returns id's parent, or found=false if id is the top node.
func (s *Store) GetParent(id uint64) (node Node, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = treemetrics.Track(s.metrics, "get_parent", func() error {
		if err := s.checkPresence(id); err != nil {
			return err
		}
		rec, err := s.readNode(id * wire.NodeRecordSize)
		if err != nil {
			return err
		}
		if !rec.HasParent() {
			return nil
		}
		parentID := rec.ParentPos / wire.NodeRecordSize
		parentRec, err := s.readNode(rec.ParentPos)
		if err != nil {
			return err
		}
		node = toNode(parentID, parentRec)
		found = true
		return nil
	})
	return node, found, err
}

// UpdateNodeAdd applies saturating deltas to id's hits and score.
func (s *Store) UpdateNodeAdd(id uint64, addHits, addScore int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return treemetrics.Track(s.metrics, "update_node_add", func() error {
		if err := s.checkPresence(id); err != nil {
			return err
		}
		pos := id * wire.NodeRecordSize
		rec, err := s.readNode(pos)
		if err != nil {
			return err
		}
		newHits, err := fileutil.SaturatingOffset(rec.Hits, addHits)
		if err != nil {
			return err
		}
		newScore, err := fileutil.SaturatingOffset(rec.Score, addScore)
		if err != nil {
			return err
		}
		rec.Hits = newHits
		rec.Score = newScore
		return s.writeNode(pos, rec)
	})
}

// GetChildIter returns an iterator over id's children. If id does not
// exist, the iterator is simply empty rather than erroring.
func (s *Store) GetChildIter(id uint64) *ChildIter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkPresence(id); err != nil {
		return &ChildIter{idx: -1}
	}
	pos := id * wire.NodeRecordSize
	firstChildMapPos, nChildren, maxChildren, err := s.readChildMeta(pos)
	if err != nil || nChildren == 0 {
		return &ChildIter{idx: -1}
	}
	entries, err := s.readChildBlock(firstChildMapPos, nChildren, maxChildren)
	if err != nil {
		return &ChildIter{idx: -1}
	}
	return &ChildIter{entries: entries, idx: len(entries) - 1}
}

func toNode(id uint64, rec wire.NodeRecord) Node {
	n := Node{
		ID:          id,
		Hits:        rec.Hits,
		Score:       rec.Score,
		NChildren:   rec.NChildren,
		MaxChildren: rec.MaxChildren,
	}
	if rec.HasParent() {
		parentID := rec.ParentPos / wire.NodeRecordSize
		n.Parent = &parentID
	}
	return n
}

// --- unexported helpers; all assume s.mu is already held. ---

func (s *Store) countNodes() error {
	info, err := s.nodeFile.Stat()
	if err != nil {
		return treeerr.WrapIO(err, "stat node file")
	}
	s.nodeCount = uint64(info.Size()) / wire.NodeRecordSize
	return nil
}

func (s *Store) checkPresence(id uint64) error {
	if id >= s.nodeCount {
		return &treeerr.NonExistingNode{ID: id}
	}
	return nil
}

func (s *Store) endOfNodeFile() (uint64, error) {
	pos, err := s.nodeFile.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, treeerr.WrapIO(err, "seeking to end of node file")
	}
	return uint64(pos), nil
}

func (s *Store) readNode(pos uint64) (wire.NodeRecord, error) {
	buf := make([]byte, wire.NodeRecordSize)
	if _, err := s.nodeFile.ReadAt(buf, int64(pos)); err != nil {
		return wire.NodeRecord{}, treeerr.WrapIO(err, "reading node record")
	}
	return wire.DecodeNodeRecord(buf)
}

func (s *Store) writeNode(pos uint64, rec wire.NodeRecord) error {
	buf := wire.EncodeNodeRecord(rec)
	if _, err := s.nodeFile.WriteAt(buf, int64(pos)); err != nil {
		return treeerr.WrapIO(err, "writing node record")
	}
	return nil
}

func (s *Store) appendNode(parentPos uint64, hits, score uint64, maxChildren uint32) error {
	rec := wire.NodeRecord{
		ParentPos:        parentPos,
		Hits:             hits,
		Score:            score,
		FirstChildMapPos: 0,
		NChildren:        0,
		MaxChildren:      maxChildren,
	}
	buf := wire.EncodeNodeRecord(rec)
	if _, err := s.nodeFile.Write(buf); err != nil {
		return treeerr.WrapIO(err, "appending node record")
	}
	s.nodeCount++
	return nil
}

func (s *Store) readChildMeta(nodePos uint64) (firstChildMapPos uint64, nChildren, maxChildren uint32, err error) {
	buf := make([]byte, wire.NodeChildMetaSize)
	if _, err := s.nodeFile.ReadAt(buf, int64(nodePos+wire.NodeChildMetaOffset)); err != nil {
		return 0, 0, 0, treeerr.WrapIO(err, "reading child meta")
	}
	return wire.DecodeChildMeta(buf)
}

func (s *Store) writeChildMeta(nodePos, firstChildMapPos uint64, nChildren, maxChildren uint32) error {
	buf := wire.EncodeChildMeta(firstChildMapPos, nChildren, maxChildren)
	if _, err := s.nodeFile.WriteAt(buf, int64(nodePos+wire.NodeChildMetaOffset)); err != nil {
		return treeerr.WrapIO(err, "writing child meta")
	}
	return nil
}

func (s *Store) readChildBlock(firstChildMapPos uint64, nChildren, maxChildren uint32) ([]wire.ChildMapEntry, error) {
	buf := make([]byte, wire.ChildMapEntrySize*int(maxChildren))
	if _, err := s.mapFile.ReadAt(buf, int64(firstChildMapPos)); err != nil {
		return nil, treeerr.WrapIO(err, "reading child map block")
	}
	return wire.DecodeChildMapBlock(buf, nChildren)
}

// allocateFirstChildBlock appends a brand-new map block of capacity
// maxChildren, with its single occupied slot set to (childPos, key), and
// returns the block's starting offset. maxChildren == 0 is a LogicError:
// a node with no declared capacity can never have children.
func (s *Store) allocateFirstChildBlock(key uint16, childPos uint64, maxChildren uint32) (uint64, error) {
	if maxChildren == 0 {
		return 0, treeerr.NewLogicError("trying to add a child to a node with max_children == 0")
	}
	blockPos, err := s.mapFile.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, treeerr.WrapIO(err, "seeking to end of map file")
	}
	block := wire.EncodeChildMapBlock([]wire.ChildMapEntry{{NodePos: childPos, Key: key}}, maxChildren)
	if _, err := s.mapFile.Write(block); err != nil {
		return 0, treeerr.WrapIO(err, "appending child map block")
	}
	return uint64(blockPos), nil
}

// appendToChildBlock reads the parent's existing map block, checks for a
// duplicate key, appends the new entry, and rewrites the whole block in
// place (its capacity and location never change).
func (s *Store) appendToChildBlock(firstChildMapPos uint64, key uint16, childPos uint64, nChildren, maxChildren uint32) (uint32, error) {
	entries, err := s.readChildBlock(firstChildMapPos, nChildren, maxChildren)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.Key == key {
			return 0, treeerr.NewLogicError("key %d already present, would orphan existing child", key)
		}
	}
	if uint32(len(entries)+1) > maxChildren {
		return 0, treeerr.NewLogicError("trying to add more children than allowed (max_children=%d)", maxChildren)
	}
	entries = append(entries, wire.ChildMapEntry{NodePos: childPos, Key: key})

	block := wire.EncodeChildMapBlock(entries, maxChildren)
	if _, err := s.mapFile.WriteAt(block, int64(firstChildMapPos)); err != nil {
		return 0, treeerr.WrapIO(err, "rewriting child map block")
	}
	return uint32(len(entries)), nil
}
