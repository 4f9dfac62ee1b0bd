package cluster

import (
	"bytes"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kv-datalayer/internal/region"
)

// fakeManager records the regions the FSM asks for.
type fakeManager struct {
	mu       sync.Mutex
	regions  map[region.ID]uint16
	failWith error
	creates  int
	drops    int
}

func newFakeManager() *fakeManager {
	return &fakeManager{regions: make(map[region.ID]uint16)}
}

func (m *fakeManager) CreateRegion(id region.ID, columns uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.creates++
	if _, ok := m.regions[id]; !ok {
		m.regions[id] = columns
	}
	return nil
}

func (m *fakeManager) DropRegion(id region.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops++
	delete(m.regions, id)
	return nil
}

func (m *fakeManager) Regions() []region.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]region.ID, 0, len(m.regions))
	for id := range m.regions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

func (m *fakeManager) has(id region.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.regions[id]
	return ok
}

func applyCommand(t *testing.T, fsm *RegionFSM, cmdType string, payload interface{}) interface{} {
	t.Helper()
	data, err := encodeCommand(cmdType, payload)
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Data: data})
}

// memorySink is a raft.SnapshotSink over a buffer.
type memorySink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memorySink) ID() string   { return "mem" }
func (s *memorySink) Close() error { return nil }

func (s *memorySink) Cancel() error {
	s.cancelled = true
	return nil
}

func TestRegionFSM_ApplyCreateAndDrop(t *testing.T) {
	m := newFakeManager()
	fsm := NewRegionFSM(m, nil)
	id := region.ID{Space: 3, Subspace: 1}

	assert.Nil(t, applyCommand(t, fsm, CmdCreateRegion, RegionAssignment{ID: id, Columns: 2}))
	assert.True(t, m.has(id))
	assert.Equal(t, []RegionAssignment{{ID: id, Columns: 2}}, fsm.Assignments())

	// a second create keeps the original column count
	assert.Nil(t, applyCommand(t, fsm, CmdCreateRegion, RegionAssignment{ID: id, Columns: 9}))
	assert.Equal(t, []RegionAssignment{{ID: id, Columns: 2}}, fsm.Assignments())

	assert.Nil(t, applyCommand(t, fsm, CmdDropRegion, id))
	assert.False(t, m.has(id))
	assert.Empty(t, fsm.Assignments())
}

func TestRegionFSM_ApplyErrors(t *testing.T) {
	m := newFakeManager()
	fsm := NewRegionFSM(m, nil)

	resp := fsm.Apply(&raft.Log{Data: []byte("not json")})
	assert.Error(t, resp.(error))

	resp = applyCommand(t, fsm, "rebalance", nil)
	assert.Error(t, resp.(error))

}

func TestRegionFSM_FailedCreateIsRecordedAndRetried(t *testing.T) {
	m := newFakeManager()
	fsm := NewRegionFSM(m, nil)
	id := region.ID{Space: 1}
	other := region.ID{Space: 2}

	m.failWith = errors.New("disk full")
	resp := applyCommand(t, fsm, CmdCreateRegion, RegionAssignment{ID: id, Columns: 3})
	assert.ErrorIs(t, resp.(error), m.failWith)

	// the committed assignment survives the local failure
	assert.Equal(t, []RegionAssignment{{ID: id, Columns: 3}}, fsm.Assignments())
	assert.Equal(t, []region.ID{id}, fsm.Unapplied())
	assert.False(t, m.has(id))

	err := fsm.Reconcile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []region.ID{id}, fsm.Unapplied())

	m.failWith = nil
	require.NoError(t, fsm.Reconcile())
	assert.True(t, m.has(id))
	assert.Empty(t, fsm.Unapplied())

	// the next entry also retries what is outstanding
	m.failWith = errors.New("disk full")
	applyCommand(t, fsm, CmdCreateRegion, RegionAssignment{ID: other, Columns: 1})
	m.failWith = nil
	assert.Nil(t, applyCommand(t, fsm, CmdCreateRegion, RegionAssignment{ID: region.ID{Space: 3}, Columns: 1}))
	assert.True(t, m.has(other))
	assert.Empty(t, fsm.Unapplied())

	// dropping an unapplied assignment forgets it
	m.failWith = errors.New("disk full")
	applyCommand(t, fsm, CmdCreateRegion, RegionAssignment{ID: region.ID{Space: 4}, Columns: 1})
	m.failWith = nil
	assert.Nil(t, applyCommand(t, fsm, CmdDropRegion, region.ID{Space: 4}))
	assert.Empty(t, fsm.Unapplied())
	assert.False(t, m.has(region.ID{Space: 4}))
}

func TestRegionFSM_RestoreKeepsFailedAssignments(t *testing.T) {
	src := NewRegionFSM(newFakeManager(), nil)
	id := region.ID{Space: 5}
	applyCommand(t, src, CmdCreateRegion, RegionAssignment{ID: id, Columns: 2})
	snap, err := src.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))

	m := newFakeManager()
	m.failWith = errors.New("disk full")
	dst := NewRegionFSM(m, nil)
	require.NoError(t, dst.Restore(io.NopCloser(&sink.Buffer)))
	assert.Equal(t, src.Assignments(), dst.Assignments())
	assert.Equal(t, []region.ID{id}, dst.Unapplied())

	m.failWith = nil
	require.NoError(t, dst.Reconcile())
	assert.True(t, m.has(id))
}

func TestRegionFSM_SnapshotRestore(t *testing.T) {
	a := region.ID{Space: 1}
	b := region.ID{Space: 2}
	c := region.ID{Space: 3}

	src := NewRegionFSM(newFakeManager(), nil)
	applyCommand(t, src, CmdCreateRegion, RegionAssignment{ID: a, Columns: 1})
	applyCommand(t, src, CmdCreateRegion, RegionAssignment{ID: b, Columns: 4})

	snap, err := src.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	assert.False(t, sink.cancelled)

	// the destination serves c, which the snapshot does not assign
	dstManager := newFakeManager()
	require.NoError(t, dstManager.CreateRegion(c, 1))
	dst := NewRegionFSM(dstManager, nil)

	require.NoError(t, dst.Restore(io.NopCloser(&sink.Buffer)))
	assert.Equal(t, []region.ID{a, b}, dstManager.Regions())
	assert.Equal(t, src.Assignments(), dst.Assignments())
}

func TestRegionFSM_RestoreRejectsGarbage(t *testing.T) {
	fsm := NewRegionFSM(newFakeManager(), nil)
	err := fsm.Restore(io.NopCloser(bytes.NewBufferString("{")))
	assert.Error(t, err)
}
