package shardedtree

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arboric/treemap/pkg/treeerr"
	"github.com/arboric/treemap/pkg/treestore"
)

// highByteSplitter routes a key to the shard named by its high byte,
// matching the worked id-arithmetic scenarios below.
func highByteSplitter(key uint16) byte {
	return byte(key >> 8)
}

func newTestStore(t *testing.T, maxTopShards uint32, splitter Splitter) (*Store, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "shardedtree_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := New(dir, maxTopShards, treestore.TruncateCreate, splitter, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func TestNew_SynthesizesCompositeTop(t *testing.T) {
	s, _ := newTestStore(t, 2, highByteSplitter)

	assert.Equal(t, uint64(0), s.GetTop())
	assert.Equal(t, uint64(1), s.Len())

	top, err := s.GetNode(0)
	require.NoError(t, err)
	assert.Nil(t, top.Parent)
	assert.Equal(t, uint32(0), top.NChildren)
	assert.Equal(t, uint32(2), top.MaxChildren)
}

// TestAddChild_CompositeIdArithmetic replays the worked scenario: a
// 2-shard store with splitter k -> k>>8; key 0x0A01 and 0x0F01 land in
// shard 10 and 15 respectively, and a third distinct selector overflows
// the roster.
func TestAddChild_CompositeIdArithmetic(t *testing.T) {
	s, _ := newTestStore(t, 2, highByteSplitter)

	id1, err := s.AddChild(0, 0x0A01, 0, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64((1<<8)|10), id1)

	id2, err := s.AddChild(0, 0x0F01, 0, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64((1<<8)|15), id2)

	_, err = s.AddChild(0, 0x1401, 0, 0, 4)
	require.Error(t, err)
	var logicErr *treeerr.LogicError
	assert.ErrorAs(t, err, &logicErr)
}

func TestAddChild_NonTopDerivesShardFromId(t *testing.T) {
	s, _ := newTestStore(t, 2, highByteSplitter)

	parentID, err := s.AddChild(0, 0x0A01, 0, 0, 4)
	require.NoError(t, err)

	childID, err := s.AddChild(parentID, 99, 0, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, byte(10), selectorOf(childID))

	child, err := s.GetNode(childID)
	require.NoError(t, err)
	assert.Equal(t, parentID, *child.Parent)
}

func TestGetChild_MissingShardReturnsNotFound(t *testing.T) {
	s, _ := newTestStore(t, 2, highByteSplitter)

	_, found, err := s.GetChild(0, 0x0A01)
	require.NoError(t, err)
	assert.False(t, found)
}

// TestGetNode_TopLevelChildParentMatchesGetParent guards against
// GetNode's Parent field and GetParent's own returned id disagreeing
// about a top-level child's parent: both must report the composite top.
func TestGetNode_TopLevelChildParentMatchesGetParent(t *testing.T) {
	s, _ := newTestStore(t, 2, highByteSplitter)

	id, err := s.AddChild(0, 0x0A01, 0, 0, 4)
	require.NoError(t, err)

	node, err := s.GetNode(id)
	require.NoError(t, err)
	require.NotNil(t, node.Parent)
	assert.Equal(t, uint64(0), *node.Parent)

	parent, found, err := s.GetParent(id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, *node.Parent, parent.ID)
}

func TestGetParent_TopLevelChildResolvesToCompositeTop(t *testing.T) {
	s, _ := newTestStore(t, 2, highByteSplitter)

	id, err := s.AddChild(0, 0x0A01, 0, 0, 4)
	require.NoError(t, err)

	parent, found, err := s.GetParent(id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(0), parent.ID)

	_, found, err = s.GetParent(0)
	require.NoError(t, err)
	assert.False(t, found)
}

// TestUpdateNodeAdd_TopAccumulatorsSurviveReopen replays the worked
// scenario: update_node_add(0, 50, 500), reopen with OpenCreate, then
// get_node(0) must report the persisted accumulators and roster size.
func TestUpdateNodeAdd_TopAccumulatorsSurviveReopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "shardedtree_test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := New(dir, 2, treestore.TruncateCreate, highByteSplitter, nil)
	require.NoError(t, err)
	_, err = s.AddChild(0, 0x0A01, 0, 0, 4)
	require.NoError(t, err)
	require.NoError(t, s.UpdateNodeAdd(0, 50, 500))
	require.NoError(t, s.Close())

	s2, err := New(dir, 2, treestore.OpenCreate, highByteSplitter, nil)
	require.NoError(t, err)
	defer s2.Close()

	top, err := s2.GetNode(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), top.Hits)
	assert.Equal(t, uint64(500), top.Score)
	assert.Equal(t, uint32(1), top.NChildren)
	assert.Equal(t, uint32(2), top.MaxChildren)
}

func TestLen_ExcludesEachShardsOwnTopExactlyOnce(t *testing.T) {
	s, _ := newTestStore(t, 2, highByteSplitter)

	_, err := s.AddChild(0, 0x0A01, 0, 0, 4)
	require.NoError(t, err)
	_, err = s.AddChild(0, 0x0F01, 0, 0, 4)
	require.NoError(t, err)

	// composite top + 2 shard tops' single top-level child each = 3
	assert.Equal(t, uint64(3), s.Len())
}

func TestGetChildIter_ReencodesEachShardsChildren(t *testing.T) {
	s, _ := newTestStore(t, 2, highByteSplitter)

	id1, err := s.AddChild(0, 0x0A01, 0, 0, 4)
	require.NoError(t, err)
	id2, err := s.AddChild(0, 0x0F01, 0, 0, 4)
	require.NoError(t, err)

	it := s.GetChildIter(0)
	seen := make(map[uint64]uint16)
	for {
		key, id, ok := it.Next()
		if !ok {
			break
		}
		seen[id] = key
	}
	assert.Equal(t, map[uint64]uint16{id1: 0x0A01, id2: 0x0F01}, seen)
}

func TestOpen_RosterReloadsOnReopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "shardedtree_test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := New(dir, 2, treestore.TruncateCreate, highByteSplitter, nil)
	require.NoError(t, err)
	id, err := s.AddChild(0, 0x0A01, 3, 4, 2)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := New(dir, 2, treestore.OpenCreate, highByteSplitter, nil)
	require.NoError(t, err)
	defer s2.Close()

	node, err := s2.GetNode(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), node.Hits)
	assert.Equal(t, uint64(4), node.Score)
}

func TestOpen_MustExistFailsWhenMasterAbsent(t *testing.T) {
	dir, err := os.MkdirTemp("", "shardedtree_test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	_, err = New(dir, 2, treestore.MustExist, highByteSplitter, nil)
	require.Error(t, err)
	var filesErr *treeerr.NonExistingFiles
	assert.ErrorAs(t, err, &filesErr)
}

func TestUpdateNodeAdd_NonTopSaturatesAtZero(t *testing.T) {
	s, _ := newTestStore(t, 2, highByteSplitter)

	id, err := s.AddChild(0, 0x0A01, 10, 0, 2)
	require.NoError(t, err)

	err = s.UpdateNodeAdd(id, -20, 0)
	require.Error(t, err)
	var logicErr *treeerr.LogicError
	assert.ErrorAs(t, err, &logicErr)
}
