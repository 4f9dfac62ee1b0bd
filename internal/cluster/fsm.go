// internal/cluster/fsm.go
package cluster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/raft"

	"kv-datalayer/internal/metrics"
	"kv-datalayer/internal/region"
)

// Command types carried in the raft log.
const (
	CmdCreateRegion = "create_region"
	CmdDropRegion   = "drop_region"
)

// RegionManager is the local state the FSM drives. *datalayer.DataLayer
// implements it.
type RegionManager interface {
	CreateRegion(id region.ID, columns uint16) error
	DropRegion(id region.ID) error
	Regions() []region.ID
}

// RegionAssignment records a region this node must serve.
type RegionAssignment struct {
	ID      region.ID `json:"id"`
	Columns uint16    `json:"columns"`
}

// RaftCommand is a generic command for the raft log.
type RaftCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AssignmentState is everything the FSM replicates.
type AssignmentState struct {
	Regions map[string]*RegionAssignment `json:"regions"` // region.ID.String() -> assignment
}

func newAssignmentState() *AssignmentState {
	return &AssignmentState{Regions: make(map[string]*RegionAssignment)}
}

// RegionFSM implements raft.FSM over region assignments.
type RegionFSM struct {
	manager RegionManager
	logger  hclog.Logger
	state   *AssignmentState
	// assignments committed to the log that the manager failed to create
	unapplied map[string]region.ID
	mu        sync.RWMutex
}

func NewRegionFSM(manager RegionManager, logger hclog.Logger) *RegionFSM {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &RegionFSM{
		manager:   manager,
		logger:    logger.Named("fsm"),
		state:     newAssignmentState(),
		unapplied: make(map[string]region.ID),
	}
}

// Assignments returns the replicated assignments sorted by region ID.
func (f *RegionFSM) Assignments() []RegionAssignment {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]RegionAssignment, 0, len(f.state.Regions))
	for _, a := range f.state.Regions {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Apply applies a raft log entry. The returned value is nil or an error.
func (f *RegionFSM) Apply(logEntry *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.retryUnappliedLocked()

	var cmd RaftCommand
	if err := json.Unmarshal(logEntry.Data, &cmd); err != nil {
		f.logger.Error("failed to unmarshal command", "error", err)
		return err
	}

	switch cmd.Type {
	case CmdCreateRegion:
		var a RegionAssignment
		if err := json.Unmarshal(cmd.Payload, &a); err != nil {
			f.logger.Error("failed to unmarshal region assignment", "error", err)
			return err
		}
		// The entry is committed whatever happens locally.
		if _, exists := f.state.Regions[a.ID.String()]; !exists {
			f.state.Regions[a.ID.String()] = &a
		}
		if err := f.manager.CreateRegion(a.ID, a.Columns); err != nil {
			f.unapplied[a.ID.String()] = a.ID
			metrics.ErrorsTotal.WithLabelValues("fsm_apply").Inc()
			f.logger.Error("assigned region could not be created locally, will retry", "region", a.ID, "error", err)
			return err
		}
		f.logger.Info("region assigned", "region", a.ID, "columns", a.Columns)

	case CmdDropRegion:
		var id region.ID
		if err := json.Unmarshal(cmd.Payload, &id); err != nil {
			f.logger.Error("failed to unmarshal region id", "error", err)
			return err
		}
		delete(f.state.Regions, id.String())
		delete(f.unapplied, id.String())
		if err := f.manager.DropRegion(id); err != nil {
			metrics.ErrorsTotal.WithLabelValues("fsm_apply").Inc()
			f.logger.Error("failed to drop unassigned region", "region", id, "error", err)
			return err
		}
		f.logger.Info("region unassigned", "region", id)

	default:
		f.logger.Warn("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}

	metrics.RaftCommandsApplied.WithLabelValues(cmd.Type).Inc()
	return nil
}

// Snapshot returns a snapshot of the assignments.
func (f *RegionFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(f.state); err != nil {
		return nil, err
	}
	return &regionSnapshot{data: buf.Bytes()}, nil
}

// Restore replaces the assignments with a snapshot and reconciles the local
// regions with it: missing regions are created, unassigned ones dropped.
// Assignments that cannot be created are kept and retried.
func (f *RegionFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	newState := newAssignmentState()
	if err := json.NewDecoder(rc).Decode(newState); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, id := range f.manager.Regions() {
		if _, keep := newState.Regions[id.String()]; !keep {
			if err := f.manager.DropRegion(id); err != nil {
				return fmt.Errorf("failed to drop region %s during restore: %w", id, err)
			}
		}
	}
	f.state = newState
	f.unapplied = make(map[string]region.ID)
	for key, a := range newState.Regions {
		if err := f.manager.CreateRegion(a.ID, a.Columns); err != nil {
			f.unapplied[key] = a.ID
			metrics.ErrorsTotal.WithLabelValues("fsm_restore").Inc()
			f.logger.Error("assigned region could not be created during restore, will retry", "region", a.ID, "error", err)
		}
	}
	f.logger.Info("state restored from snapshot", "regions", len(newState.Regions))
	return nil
}

// Reconcile retries creating the assigned regions the manager failed to
// create. Apply does the same before every entry.
func (f *RegionFSM) Reconcile() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retryUnappliedLocked()
}

// Unapplied returns the assigned regions not yet created locally.
func (f *RegionFSM) Unapplied() []region.ID {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ids := make([]region.ID, 0, len(f.unapplied))
	for _, id := range f.unapplied {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

func (f *RegionFSM) retryUnappliedLocked() error {
	var result error
	for key, id := range f.unapplied {
		a, assigned := f.state.Regions[key]
		if !assigned {
			delete(f.unapplied, key)
			continue
		}
		if err := f.manager.CreateRegion(id, a.Columns); err != nil {
			result = multierror.Append(result, fmt.Errorf("region %s: %w", id, err))
			continue
		}
		delete(f.unapplied, key)
		f.logger.Info("assigned region created on retry", "region", id)
	}
	return result
}

type regionSnapshot struct {
	data []byte
}

func (s *regionSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *regionSnapshot) Release() {}

func encodeCommand(cmdType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(RaftCommand{Type: cmdType, Payload: raw})
}
