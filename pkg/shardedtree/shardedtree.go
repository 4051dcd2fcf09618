// Package shardedtree implements the sharded tree engine: one logical
// tree whose top-level children are partitioned, by a caller-supplied
// splitter over the child key, across up to 256 treestore.Store shards.
// A master file records the shard roster and the top-level accumulators.
package shardedtree

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/arboric/treemap/pkg/fileutil"
	"github.com/arboric/treemap/pkg/treeerr"
	"github.com/arboric/treemap/pkg/treemetrics"
	"github.com/arboric/treemap/pkg/treestore"
	"github.com/arboric/treemap/pkg/wire"
)

// Splitter maps a top-level child key to the shard selector that should
// own it. It is consulted only when the caller addresses a child of the
// composite top (id 0); every other dispatch derives its shard from the
// low byte of the node id already in hand.
type Splitter func(key uint16) byte

// Node is the caller-facing view of a node, identical in shape to
// treestore.Node: ids here are always in composite form, (local id << 8)
// | selector, except for the distinguished top id 0.
type Node = treestore.Node

// ChildEntry is one (key, child id) pair from a child iterator, with the
// id already in composite form.
type ChildEntry struct {
	Key uint16
	ID  uint64
}

// ChildIter yields a node's children, each exactly once. Order is
// unspecified.
type ChildIter struct {
	entries []ChildEntry
	idx     int
}

// Next returns the next (key, id) pair, or ok=false once exhausted.
func (it *ChildIter) Next() (key uint16, id uint64, ok bool) {
	if it == nil || it.idx < 0 {
		return 0, 0, false
	}
	e := it.entries[it.idx]
	it.idx--
	return e.Key, e.ID, true
}

const masterFileName = "multifile_treemap.bin"

// Store is a sharded tree: a master file plus a lazily-populated roster
// of treestore.Store shards, all guarded by one mutex. The master lock is
// always acquired before any shard's own lock, so lock order is never
// inverted and deadlock between stores is structurally impossible.
type Store struct {
	mu           sync.Mutex
	dir          string
	masterFile   *os.File
	maxTopShards uint32
	topHits      uint64
	topScore     uint64
	shards       map[byte]*treestore.Store
	openMode     treestore.OpenMode
	splitter     Splitter
	metrics      *treemetrics.Metrics
}

func composeID(local uint64, selector byte) uint64 {
	return (local << 8) | uint64(selector)
}

func selectorOf(id uint64) byte {
	return byte(id & 0xFF)
}

func localOf(id uint64) uint64 {
	return id >> 8
}

// New opens or creates a sharded tree store under dir. maxTopShards bounds
// the number of distinct shards the composite top may ever accumulate; on
// reopen, the on-disk value always wins over a mismatched argument.
func New(dir string, maxTopShards uint32, mode treestore.OpenMode, splitter Splitter, metrics *treemetrics.Metrics) (*Store, error) {
	masterPath := filepath.Join(dir, masterFileName)
	exists := fileutil.FileExists(masterPath)

	var masterFile *os.File
	var err error
	switch {
	case mode == treestore.TruncateCreate:
		masterFile, err = fileutil.CreateFile(masterPath)
	case mode == treestore.OpenCreate && exists:
		masterFile, err = fileutil.OpenFile(masterPath)
	case mode == treestore.OpenCreate:
		masterFile, err = fileutil.CreateFile(masterPath)
	case mode == treestore.MustExist && exists:
		masterFile, err = fileutil.OpenFile(masterPath)
	default:
		return nil, &treeerr.NonExistingFiles{Path: dir}
	}
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:          dir,
		masterFile:   masterFile,
		maxTopShards: maxTopShards,
		shards:       make(map[byte]*treestore.Store),
		openMode:     mode,
		splitter:     splitter,
		metrics:      metrics,
	}

	if err := s.loadMaster(mode); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.saveMaster(); err != nil {
		s.Close()
		return nil, err
	}
	s.metrics.SetShardsTotal(len(s.shards))

	return s, nil
}

func (s *Store) loadMaster(mode treestore.OpenMode) error {
	if _, err := s.masterFile.Seek(0, io.SeekStart); err != nil {
		return treeerr.WrapIO(err, "seeking master file")
	}
	buf, err := io.ReadAll(s.masterFile)
	if err != nil {
		return treeerr.WrapIO(err, "reading master file")
	}

	if len(buf) < wire.MasterRecordMinSize {
		if mode == treestore.MustExist {
			return treeerr.NewLogicError("no master record in master file")
		}
		return nil
	}

	m, err := wire.DecodeMasterRecord(buf)
	if err != nil {
		return err
	}
	s.maxTopShards = m.MaxTopShards
	s.topHits = m.TopHits
	s.topScore = m.TopScore

	for _, selector := range m.Selectors {
		sel := selector
		shard, err := treestore.New(s.dir, s.maxTopShards, mode, &sel, s.metrics)
		if err != nil {
			return err
		}
		s.shards[selector] = shard
	}
	return nil
}

func (s *Store) saveMaster() error {
	selectors := make([]byte, 0, len(s.shards))
	for sel := range s.shards {
		selectors = append(selectors, sel)
	}
	sort.Slice(selectors, func(i, j int) bool { return selectors[i] < selectors[j] })

	m := wire.MasterRecord{
		MaxTopShards: s.maxTopShards,
		ShardCount:   uint32(len(selectors)),
		TopHits:      s.topHits,
		TopScore:     s.topScore,
		Selectors:    selectors,
	}
	buf := wire.EncodeMasterRecord(m)
	if _, err := s.masterFile.WriteAt(buf, 0); err != nil {
		return treeerr.WrapIO(err, "writing master record")
	}
	return nil
}

// Close flushes and releases the master file and every open shard.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, shard := range s.shards {
		if err := shard.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.masterFile != nil {
		if err := s.masterFile.Sync(); err != nil && firstErr == nil {
			firstErr = treeerr.WrapIO(err, "syncing master file")
		}
		if err := s.masterFile.Close(); err != nil && firstErr == nil {
			firstErr = treeerr.WrapIO(err, "closing master file")
		}
	}
	return firstErr
}

// GetTop returns the composite top's id, always 0.
func (s *Store) GetTop() uint64 {
	return 0
}

// Len returns the total node count: the composite top plus every
// non-top node in every shard.
func (s *Store) Len() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := uint64(1)
	for _, shard := range s.shards {
		total += shard.Len() - 1
	}
	return total
}

func (s *Store) synthesizedTop() Node {
	return Node{
		ID:          0,
		Parent:      nil,
		Hits:        s.topHits,
		Score:       s.topScore,
		NChildren:   uint32(len(s.shards)),
		MaxChildren: s.maxTopShards,
	}
}

// getShard returns the shard for selector, lazily creating it if absent
// and mode allows creation. Roster capacity is checked before any create
// attempt, even for a read dispatch that will go on to fail with
// NonExistingFiles — a shard-roster-full condition always takes priority.
func (s *Store) getShard(selector byte, mode treestore.OpenMode) (*treestore.Store, error) {
	if shard, ok := s.shards[selector]; ok {
		return shard, nil
	}
	if uint32(len(s.shards)) >= s.maxTopShards {
		return nil, treeerr.NewLogicError("shard roster full (max_top_shards=%d)", s.maxTopShards)
	}

	sel := selector
	shard, err := treestore.New(s.dir, s.maxTopShards, mode, &sel, s.metrics)
	if err != nil {
		return nil, err
	}
	s.shards[selector] = shard
	s.metrics.IncShardsCreated()
	s.metrics.SetShardsTotal(len(s.shards))
	if err := s.saveMaster(); err != nil {
		return nil, err
	}
	return shard, nil
}

// getSelector picks the shard selector for a dispatch targeting node,
// optionally for a key being inserted or looked up. The splitter is
// consulted only when node is the composite top and a key is given;
// addressing the top with no key is a contract violation, since there is
// nothing to select a shard from.
func (s *Store) getSelector(node uint64, key *uint16) (byte, error) {
	switch {
	case key != nil && node == 0:
		return s.splitter(*key), nil
	case key != nil:
		return selectorOf(node), nil
	case node != 0:
		return selectorOf(node), nil
	default:
		return 0, treeerr.NewLogicError("top node given, but no key to select a shard from")
	}
}

// recompose rewrites a shard-local node into composite form: its own id,
// and its parent id if any. A parent whose local id is 0 is the shard's
// own bookkeeping top, which callers never see as such — it is reported
// as the composite top (id 0) instead, matching GetParent's own handling
// of the same case.
func recompose(n Node, selector byte) Node {
	n.ID = composeID(n.ID, selector)
	if n.Parent != nil {
		if *n.Parent == 0 {
			zero := uint64(0)
			n.Parent = &zero
		} else {
			p := composeID(*n.Parent, selector)
			n.Parent = &p
		}
	}
	return n
}

// GetNode reads the node record for id. id 0 returns the synthesized
// composite top; any other id is dispatched to its shard and its id (and
// parent id, if any) are re-encoded back into composite form.
func (s *Store) GetNode(id uint64) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == 0 {
		var node Node
		err := treemetrics.Track(s.metrics, "get_node", func() error {
			node = s.synthesizedTop()
			return nil
		})
		return node, err
	}

	selector := selectorOf(id)
	shard, err := s.getShard(selector, treestore.MustExist)
	if err != nil {
		return Node{}, err
	}
	n, err := shard.GetNode(localOf(id))
	if err != nil {
		return Node{}, err
	}
	return recompose(n, selector), nil
}

// AddChild appends a new node as a child of parentID under key, lazily
// creating the target shard if needed, and returns the new node's
// composite id.
func (s *Store) AddChild(parentID uint64, key uint16, hits, score uint64, maxChildren uint32) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	selector, err := s.getSelector(parentID, &key)
	if err != nil {
		return 0, err
	}
	shard, err := s.getShard(selector, s.openMode)
	if err != nil {
		return 0, err
	}
	newLocalID, err := shard.AddChild(localOf(parentID), key, hits, score, maxChildren)
	if err != nil {
		return 0, err
	}
	return composeID(newLocalID, selector), nil
}

// GetChild looks up parentID's child under key. found is false if no such
// child exists, including when its shard has never been created. If that
// shard is absent and the roster is already full, the roster-full
// LogicError from getShard is returned instead.
func (s *Store) GetChild(parentID uint64, key uint16) (node Node, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	selector, err := s.getSelector(parentID, &key)
	if err != nil {
		return Node{}, false, err
	}
	shard, err := s.getShard(selector, treestore.MustExist)
	if err != nil {
		if treeerr.IsNonExistingFiles(err) {
			return Node{}, false, nil
		}
		return Node{}, false, err
	}
	n, found, err := shard.GetChild(localOf(parentID), key)
	if err != nil || !found {
		return Node{}, found, err
	}
	return recompose(n, selector), true, nil
}

// GetParent returns id's parent, or found=false if id is the composite
// top. When the shard reports its own local top as the parent, the
// synthesized composite top is returned instead, so that a caller never
// observes the per-shard bookkeeping top as an ordinary node.
func (s *Store) GetParent(id uint64) (node Node, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == 0 {
		return Node{}, false, nil
	}

	selector := selectorOf(id)
	shard, err := s.getShard(selector, treestore.MustExist)
	if err != nil {
		return Node{}, false, err
	}
	n, found, err := shard.GetParent(localOf(id))
	if err != nil || !found {
		return Node{}, found, err
	}
	if n.ID == 0 {
		return s.synthesizedTop(), true, nil
	}
	return recompose(n, selector), true, nil
}

// UpdateNodeAdd applies saturating deltas to id's hits and score. id 0
// updates the master record's top-level accumulators directly.
func (s *Store) UpdateNodeAdd(id uint64, addHits, addScore int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == 0 {
		return treemetrics.Track(s.metrics, "update_node_add", func() error {
			newHits, err := fileutil.SaturatingOffset(s.topHits, addHits)
			if err != nil {
				return err
			}
			newScore, err := fileutil.SaturatingOffset(s.topScore, addScore)
			if err != nil {
				return err
			}
			s.topHits = newHits
			s.topScore = newScore
			return s.saveMaster()
		})
	}

	selector := selectorOf(id)
	shard, err := s.getShard(selector, treestore.MustExist)
	if err != nil {
		return err
	}
	return shard.UpdateNodeAdd(localOf(id), addHits, addScore)
}

// GetChildIter returns an iterator over id's children. For the composite
// top, this concatenates every shard's own top-level children, each
// re-encoded with that shard's selector.
func (s *Store) GetChildIter(id uint64) *ChildIter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == 0 {
		selectors := make([]byte, 0, len(s.shards))
		for sel := range s.shards {
			selectors = append(selectors, sel)
		}
		sort.Slice(selectors, func(i, j int) bool { return selectors[i] < selectors[j] })

		var entries []ChildEntry
		for _, selector := range selectors {
			shard := s.shards[selector]
			it := shard.GetChildIter(shard.GetTop())
			for {
				key, localID, ok := it.Next()
				if !ok {
					break
				}
				entries = append(entries, ChildEntry{Key: key, ID: composeID(localID, selector)})
			}
		}
		return &ChildIter{entries: entries, idx: len(entries) - 1}
	}

	selector := selectorOf(id)
	shard, err := s.getShard(selector, treestore.MustExist)
	if err != nil {
		return &ChildIter{idx: -1}
	}
	it := shard.GetChildIter(localOf(id))
	var entries []ChildEntry
	for {
		key, localID, ok := it.Next()
		if !ok {
			break
		}
		entries = append(entries, ChildEntry{Key: key, ID: composeID(localID, selector)})
	}
	return &ChildIter{entries: entries, idx: len(entries) - 1}
}
