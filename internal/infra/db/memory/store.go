// Package memory is an in-process implementation of every repository port,
// used by the "memory" database driver and by tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/analyzers"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/batches"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/projects"
)

type artifacts struct {
	script       []byte
	requirements []byte
}

// Store keeps the catalog and batch state in maps guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	analyzers   map[analyzers.ID]*analyzers.Analyzer
	files       map[analyzers.ID]artifacts
	assignments map[projects.AssignmentID]struct{}
	projects    map[projects.ID]projects.Project
	metadata    map[projects.ID]projects.Metadata

	batches  map[batches.ID]*batches.Batch
	outcomes map[batches.ID]map[projects.ID]batches.Outcome
	reports  map[batches.ID]map[projects.ID]*batches.Report
}

func NewStore() *Store {
	return &Store{
		analyzers:   make(map[analyzers.ID]*analyzers.Analyzer),
		files:       make(map[analyzers.ID]artifacts),
		assignments: make(map[projects.AssignmentID]struct{}),
		projects:    make(map[projects.ID]projects.Project),
		metadata:    make(map[projects.ID]projects.Metadata),
		batches:     make(map[batches.ID]*batches.Batch),
		outcomes:    make(map[batches.ID]map[projects.ID]batches.Outcome),
		reports:     make(map[batches.ID]map[projects.ID]*batches.Report),
	}
}

//
// ==== catalog seeding ====
//

func (s *Store) PutAnalyzer(a *analyzers.Analyzer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.analyzers[a.ID] = &cp
}

// PutArtifacts stores the uploaded files of analyzer id. A nil requirements
// file means the analyzer has none.
func (s *Store) PutArtifacts(id analyzers.ID, script, requirements []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[id] = artifacts{script: script, requirements: requirements}
	if a, ok := s.analyzers[id]; ok {
		a.HasScript = script != nil
		a.HasRequirements = requirements != nil
	}
}

func (s *Store) PutAssignment(id projects.AssignmentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[id] = struct{}{}
}

// PutProject registers p, its assignment and its metadata.
func (s *Store) PutProject(p projects.Project, md projects.Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
	s.metadata[p.ID] = md
	s.assignments[p.AssignmentID] = struct{}{}
}

func (s *Store) DeleteProject(id projects.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projects, id)
	delete(s.metadata, id)
}

//
// ==== analyzers.Repository / analyzers.ArtifactStore ====
//

func (s *Store) GetAnalyzer(_ context.Context, id analyzers.ID) (*analyzers.Analyzer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.analyzers[id]
	if !ok {
		return nil, analyzers.ErrAnalyzerNotFound
	}
	cp := *a
	cp.Inputs = append([]analyzers.Input(nil), a.Inputs...)
	cp.Outputs = append([]analyzers.Output(nil), a.Outputs...)
	return &cp, nil
}

func (s *Store) Script(_ context.Context, id analyzers.ID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok || f.script == nil {
		return nil, analyzers.ErrArtifactNotFound
	}
	return f.script, nil
}

func (s *Store) Requirements(_ context.Context, id analyzers.ID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok || f.requirements == nil {
		return nil, analyzers.ErrArtifactNotFound
	}
	return f.requirements, nil
}

//
// ==== projects.Repository ====
//

func (s *Store) GetProject(_ context.Context, id projects.ID) (*projects.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, projects.ErrProjectNotFound
	}
	return &p, nil
}

func (s *Store) GetProjectMetadata(_ context.Context, id projects.ID) (projects.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.projects[id]; !ok {
		return nil, projects.ErrProjectNotFound
	}
	md := make(projects.Metadata, len(s.metadata[id]))
	for k, v := range s.metadata[id] {
		md[k] = v
	}
	return md, nil
}

func (s *Store) AssignmentExists(_ context.Context, id projects.AssignmentID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.assignments[id]
	return ok, nil
}

//
// ==== batches.Repository ====
//

func (s *Store) Create(_ context.Context, b *batches.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	cp.ProjectIDs = append([]projects.ID(nil), b.ProjectIDs...)
	s.batches[b.ID] = &cp

	outs := make(map[projects.ID]batches.Outcome, len(b.ProjectIDs))
	for _, pid := range b.ProjectIDs {
		outs[pid] = batches.Outcome{ProjectID: pid, State: batches.OutcomePending}
	}
	s.outcomes[b.ID] = outs
	s.reports[b.ID] = make(map[projects.ID]*batches.Report)
	return nil
}

func (s *Store) Get(_ context.Context, id batches.ID) (*batches.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, batches.ErrBatchNotFound
	}
	cp := *b
	cp.ProjectIDs = append([]projects.ID(nil), b.ProjectIDs...)
	return &cp, nil
}

func (s *Store) UpdateStatus(_ context.Context, id batches.ID, status batches.Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return batches.ErrBatchNotFound
	}
	if !b.Status.CanTransition(status) {
		return batches.ErrInvalidTransition
	}
	b.Status = status
	if errMsg != "" {
		b.Error = errMsg
	}
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) RequestCancel(_ context.Context, id batches.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return batches.ErrBatchNotFound
	}
	if b.Status.Terminal() {
		return batches.ErrAlreadyTerminal
	}
	b.CancelRequested = true
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) RecordOutcome(_ context.Context, id batches.ID, o batches.Outcome, report *batches.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	outs, ok := s.outcomes[id]
	if !ok {
		return batches.ErrBatchNotFound
	}
	prev, ok := outs[o.ProjectID]
	if !ok {
		return projects.ErrProjectNotFound
	}
	if prev.State != batches.OutcomePending {
		return batches.ErrOutcomeRecorded
	}
	if report != nil {
		if _, dup := s.reports[id][o.ProjectID]; dup {
			return batches.ErrDuplicateReport
		}
		cp := *report
		s.reports[id][o.ProjectID] = &cp
	}
	outs[o.ProjectID] = o
	return nil
}

func (s *Store) Outcomes(_ context.Context, id batches.ID) ([]batches.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, batches.ErrBatchNotFound
	}
	out := make([]batches.Outcome, 0, len(b.ProjectIDs))
	for _, pid := range b.ProjectIDs {
		out = append(out, s.outcomes[id][pid])
	}
	return out, nil
}

func (s *Store) Reports(_ context.Context, id batches.ID) (map[projects.ID]*batches.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.batches[id]; !ok {
		return nil, batches.ErrBatchNotFound
	}
	out := make(map[projects.ID]*batches.Report, len(s.reports[id]))
	for pid, r := range s.reports[id] {
		cp := *r
		out[pid] = &cp
	}
	return out, nil
}
