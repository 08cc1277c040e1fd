package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/veralt/nodeflow/pkg/schema"
)

// MemoryStore is an in-process RunStore used by tests and single-process
// hosts that do not need durability.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*schema.WorkflowDefinition
	runs        map[string]*Run
	runOrder    []string
	nodeRecords map[string]map[string]*NodeRecord // instanceID -> nodeKey
	usage       map[string]int64
	jobs        map[string]*ScheduledJob
	jobOrder    []string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*schema.WorkflowDefinition),
		runs:        make(map[string]*Run),
		nodeRecords: make(map[string]map[string]*NodeRecord),
		usage:       make(map[string]int64),
		jobs:        make(map[string]*ScheduledJob),
	}
}

func (s *MemoryStore) SaveDefinition(_ context.Context, def *schema.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[def.ID] = def
	return nil
}

func (s *MemoryStore) GetDefinition(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", id)
	}
	return def, nil
}

func (s *MemoryStore) ListDefinitions(_ context.Context) ([]*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.WorkflowDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	if run == nil || run.InstanceID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run instance id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.InstanceID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.InstanceID)
	}
	cp := *run
	s.runs[run.InstanceID] = &cp
	s.runOrder = append(s.runOrder, run.InstanceID)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, instanceID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[instanceID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", instanceID)
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, instanceID string, update RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[instanceID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", instanceID)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Output != nil {
		run.Output = update.Output
	}
	if update.Error != nil {
		run.Error = *update.Error
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Run
	for _, id := range s.runOrder {
		run := s.runs[id]
		if filter.DefinitionID != "" && run.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		cp := *run
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertNodeRecord(_ context.Context, rec *NodeRecord) error {
	if rec == nil || rec.InstanceID == "" || rec.NodeKey == "" {
		return schema.NewError(schema.ErrCodeValidation, "node record is incomplete")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.nodeRecords[rec.InstanceID]
	if !ok {
		byKey = make(map[string]*NodeRecord)
		s.nodeRecords[rec.InstanceID] = byKey
	}
	cp := *rec
	cp.UpdatedAt = time.Now().UTC()
	byKey[rec.NodeKey] = &cp
	return nil
}

func (s *MemoryStore) ListNodeRecords(_ context.Context, instanceID string) ([]*NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKey := s.nodeRecords[instanceID]
	out := make([]*NodeRecord, 0, len(byKey))
	for _, rec := range byKey {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeKey < out[j].NodeKey })
	return out, nil
}

func (s *MemoryStore) DeleteNodeRecord(_ context.Context, instanceID, nodeKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byKey, ok := s.nodeRecords[instanceID]; ok {
		delete(byKey, nodeKey)
	}
	return nil
}

func (s *MemoryStore) IncrementPluginUsage(_ context.Context, pluginKey string) error {
	if pluginKey == "" {
		return schema.NewError(schema.ErrCodeValidation, "plugin key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[pluginKey]++
	return nil
}

func (s *MemoryStore) GetPluginUsage(_ context.Context, pluginKey string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage[pluginKey], nil
}

func (s *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	if job == nil || job.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "job id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q already exists", job.ID)
	}
	cp := *job
	s.jobs[job.ID] = &cp
	s.jobOrder = append(s.jobOrder, job.ID)
	return nil
}

func (s *MemoryStore) ListScheduledJobs(_ context.Context, onlyEnabled bool) ([]*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ScheduledJob
	for _, id := range s.jobOrder {
		job := s.jobs[id]
		if onlyEnabled && !job.Enabled {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) UpdateJobRun(_ context.Context, id string, at time.Time, runErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", id)
	}
	job.LastRunAt = &at
	job.LastError = runErr
	return nil
}

func (s *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return nil
	}
	delete(s.jobs, id)
	for i, jid := range s.jobOrder {
		if jid == id {
			s.jobOrder = append(s.jobOrder[:i], s.jobOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
