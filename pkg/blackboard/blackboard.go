package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// updateRetryBudget bounds the local re-read/re-apply loop on version
// conflicts before the conflict is surfaced to the caller.
const updateRetryBudget = 3

// Blackboard is the store facade every component reads from and writes to.
// Reads are eventually consistent through the cache and strictly consistent
// from the database; writes are serialized via the project version column.
// The facade is thread-safe.
type Blackboard struct {
	projects     ProjectStore
	tasks        TaskStore
	approvals    ApprovalStore
	cache        *Cache
	instanceName string
}

// New creates a blackboard facade. The cache may be nil, in which case every
// read goes straight to the authoritative store.
func New(projects ProjectStore, tasks TaskStore, approvals ApprovalStore, cache *Cache, instanceName string) (*Blackboard, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if projects == nil || tasks == nil || approvals == nil {
		return nil, fmt.Errorf("stores cannot be nil")
	}

	return &Blackboard{
		projects:     projects,
		tasks:        tasks,
		approvals:    approvals,
		cache:        cache,
		instanceName: instanceName,
	}, nil
}

// CreateProject creates the authoritative document for a new project.
// Fails with ErrProjectExists if the ID is taken.
func (b *Blackboard) CreateProject(ctx context.Context, projectID string, spec GlobalSpec, budget Budget) (*Project, error) {
	now := time.Now().UTC()

	if spec.QualityTier == "" {
		spec.QualityTier = TierBalanced
	}
	if budget.Currency == "" {
		budget.Currency = "USD"
	}

	p := &Project{
		ProjectID:     projectID,
		GlobalSpec:    spec,
		Status:        ProjectStatusCreated,
		Version:       1,
		Budget:        budget,
		Shots:         map[string]*Shot{},
		DNABank:       map[string]json.RawMessage{},
		ArtifactIndex: map[string]ArtifactMeta{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid project: %w", err)
	}

	if err := b.projects.InsertProject(ctx, p); err != nil {
		return nil, err
	}

	b.cacheProject(ctx, p)
	return p, nil
}

// GetProject returns the project document, trying the cache first. A cache
// miss falls through to the database and repopulates the cache.
func (b *Blackboard) GetProject(ctx context.Context, projectID string) (*Project, error) {
	if b.cache != nil {
		data, hit, err := b.cache.Get(ctx, ProjectKey(b.instanceName, projectID))
		if err == nil && hit {
			var p Project
			if err := json.Unmarshal(data, &p); err == nil {
				return &p, nil
			}
			// Corrupt cache entry: fall through to the database.
		}
	}

	p, err := b.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	b.cacheProject(ctx, p)
	return p, nil
}

// UpdateProject applies patch atomically under optimistic concurrency.
// The patch receives a fresh document read directly from the database; on a
// version conflict the loser re-reads, re-applies and retries up to the
// retry budget, then surfaces ErrVersionConflict. The patch must not touch
// Version or UpdatedAt.
func (b *Blackboard) UpdateProject(ctx context.Context, projectID string, patch func(*Project) error) (*Project, error) {
	var lastErr error

	for attempt := 0; attempt < updateRetryBudget; attempt++ {
		p, err := b.projects.GetProject(ctx, projectID)
		if err != nil {
			return nil, err
		}

		expected := p.Version
		if err := patch(p); err != nil {
			return nil, err
		}

		p.Version = expected + 1
		p.UpdatedAt = time.Now().UTC()

		err = b.projects.UpdateProject(ctx, p, expected)
		if err == nil {
			b.invalidateProject(ctx, projectID)
			b.cacheProject(ctx, p)
			return p, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("update of project %s exceeded %d attempts: %w", projectID, updateRetryBudget, lastErr)
}

// UpdateProjectStatus transitions the project status with a legal-transition
// check. An illegal transition fails with ErrInvalidTransition and leaves
// the document unchanged.
func (b *Blackboard) UpdateProjectStatus(ctx context.Context, projectID string, next ProjectStatus) (*Project, error) {
	if err := next.Validate(); err != nil {
		return nil, err
	}

	return b.UpdateProject(ctx, projectID, func(p *Project) error {
		if p.Status == next {
			return nil
		}
		if !p.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: project %s %s -> %s", ErrInvalidTransition, projectID, p.Status, next)
		}
		p.Status = next
		return nil
	})
}

// FailProject moves the project to FAILED and records the failure reason for
// post-mortem queries.
func (b *Blackboard) FailProject(ctx context.Context, projectID, reason string) (*Project, error) {
	return b.UpdateProject(ctx, projectID, func(p *Project) error {
		if p.Status == ProjectStatusFailed {
			p.FailureReason = reason
			return nil
		}
		if !p.Status.CanTransitionTo(ProjectStatusFailed) {
			return fmt.Errorf("%w: project %s %s -> FAILED", ErrInvalidTransition, projectID, p.Status)
		}
		p.Status = ProjectStatusFailed
		p.FailureReason = reason
		return nil
	})
}

// ListActiveProjects returns every non-terminal project ID, oldest first.
func (b *Blackboard) ListActiveProjects(ctx context.Context) ([]string, error) {
	return b.projects.ListActiveProjects(ctx)
}

// GetShot returns one shot, trying its dedicated cache entry first.
func (b *Blackboard) GetShot(ctx context.Context, projectID, shotID string) (*Shot, error) {
	if b.cache != nil {
		data, hit, err := b.cache.Get(ctx, ShotKey(b.instanceName, projectID, shotID))
		if err == nil && hit {
			var s Shot
			if err := json.Unmarshal(data, &s); err == nil {
				return &s, nil
			}
		}
	}

	p, err := b.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	shot, ok := p.Shots[shotID]
	if !ok {
		return nil, fmt.Errorf("%w: %s in project %s", ErrShotNotFound, shotID, projectID)
	}

	b.cacheShot(ctx, projectID, shot)
	return shot, nil
}

// PutShot inserts or replaces a shot in the project document.
func (b *Blackboard) PutShot(ctx context.Context, projectID string, shot *Shot) error {
	if shot == nil || shot.ShotID == "" {
		return fmt.Errorf("shot and shot ID are required")
	}
	if shot.Status == "" {
		shot.Status = ShotStatusInit
	}

	_, err := b.UpdateProject(ctx, projectID, func(p *Project) error {
		if p.Shots == nil {
			p.Shots = map[string]*Shot{}
		}
		p.Shots[shot.ShotID] = shot
		return nil
	})
	if err != nil {
		return err
	}

	b.cacheShot(ctx, projectID, shot)
	return nil
}

// UpdateShot applies patch to one shot under the project's optimistic write
// path. Fails with ErrShotNotFound if the shot does not exist.
func (b *Blackboard) UpdateShot(ctx context.Context, projectID, shotID string, patch func(*Shot) error) (*Shot, error) {
	var updated *Shot

	_, err := b.UpdateProject(ctx, projectID, func(p *Project) error {
		shot, ok := p.Shots[shotID]
		if !ok {
			return fmt.Errorf("%w: %s in project %s", ErrShotNotFound, shotID, projectID)
		}
		if err := patch(shot); err != nil {
			return err
		}
		updated = shot
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.cacheShot(ctx, projectID, updated)
	return updated, nil
}

// GetAllShots enumerates the shots of a project. Cached entries are located
// with the cache's cursor-based scan; any gap falls back to the
// authoritative document. The result maps shot_id to Shot.
func (b *Blackboard) GetAllShots(ctx context.Context, projectID string) (map[string]*Shot, error) {
	p, err := b.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	shots := make(map[string]*Shot, len(p.Shots))
	cached := map[string]bool{}

	if b.cache != nil {
		keys, err := b.cache.ScanKeys(ctx, ShotKeyPattern(b.instanceName, projectID))
		if err == nil {
			for _, key := range keys {
				data, hit, err := b.cache.Get(ctx, key)
				if err != nil || !hit {
					continue
				}
				var s Shot
				if err := json.Unmarshal(data, &s); err != nil {
					continue
				}
				shots[s.ShotID] = &s
				cached[s.ShotID] = true
			}
		}
	}

	for shotID, shot := range p.Shots {
		if !cached[shotID] {
			shots[shotID] = shot
			b.cacheShot(ctx, projectID, shot)
		}
	}

	return shots, nil
}

// GetDNABank returns the per-project character fingerprint map. The
// fingerprints are opaque JSON to the core.
func (b *Blackboard) GetDNABank(ctx context.Context, projectID string) (map[string]json.RawMessage, error) {
	p, err := b.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return p.DNABank, nil
}

// UpdateDNABank writes one character's visual-identity fingerprint.
// Cross-agent writers serialize on a distributed lock keyed on the DNA bank
// resource; this method only performs the blackboard write.
func (b *Blackboard) UpdateDNABank(ctx context.Context, projectID, characterID string, fingerprint json.RawMessage) error {
	_, err := b.UpdateProject(ctx, projectID, func(p *Project) error {
		if p.DNABank == nil {
			p.DNABank = map[string]json.RawMessage{}
		}
		p.DNABank[characterID] = fingerprint
		return nil
	})
	return err
}

// GetBudget returns the project's budget snapshot.
func (b *Blackboard) GetBudget(ctx context.Context, projectID string) (Budget, error) {
	p, err := b.GetProject(ctx, projectID)
	if err != nil {
		return Budget{}, err
	}
	return p.Budget, nil
}

// AddCost adds a non-negative amount to budget.spent through the optimistic
// write path, preserving the monotonicity invariant. Returns the updated
// document so the caller can evaluate thresholds on the post-write state.
func (b *Blackboard) AddCost(ctx context.Context, projectID string, amount float64, note string) (*Project, error) {
	if amount < 0 {
		return nil, fmt.Errorf("cost amount cannot be negative: %v (%s)", amount, note)
	}
	if amount == 0 {
		return b.GetProject(ctx, projectID)
	}

	return b.UpdateProject(ctx, projectID, func(p *Project) error {
		p.Budget.Spent += amount
		return nil
	})
}

// RegisterArtifact records a generated artifact's URL and metadata in the
// project's artifact index.
func (b *Blackboard) RegisterArtifact(ctx context.Context, projectID, url string, meta ArtifactMeta) error {
	if url == "" {
		return fmt.Errorf("artifact URL cannot be empty")
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}

	_, err := b.UpdateProject(ctx, projectID, func(p *Project) error {
		if p.ArtifactIndex == nil {
			p.ArtifactIndex = map[string]ArtifactMeta{}
		}
		p.ArtifactIndex[url] = meta
		return nil
	})
	return err
}

// PutTask validates and persists a task record.
func (b *Blackboard) PutTask(ctx context.Context, t *Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	return b.tasks.PutTask(ctx, t)
}

// GetTask returns a task record. Fails with ErrTaskNotFound.
func (b *Blackboard) GetTask(ctx context.Context, taskID string) (*Task, error) {
	return b.tasks.GetTask(ctx, taskID)
}

// ListTasks returns all tasks of a project.
func (b *Blackboard) ListTasks(ctx context.Context, projectID string) ([]*Task, error) {
	return b.tasks.ListTasksByProject(ctx, projectID)
}

// PutApproval validates and persists an approval record, refreshing its
// cache entry for UI listing.
func (b *Blackboard) PutApproval(ctx context.Context, a *ApprovalRequest) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid approval: %w", err)
	}
	if err := b.approvals.PutApproval(ctx, a); err != nil {
		return err
	}

	if b.cache != nil {
		if data, err := json.Marshal(a); err == nil {
			_ = b.cache.Set(ctx, ApprovalKey(b.instanceName, a.ApprovalID), data)
		}
	}
	return nil
}

// GetApproval returns an approval record. Fails with ErrApprovalNotFound.
func (b *Blackboard) GetApproval(ctx context.Context, approvalID string) (*ApprovalRequest, error) {
	if b.cache != nil {
		data, hit, err := b.cache.Get(ctx, ApprovalKey(b.instanceName, approvalID))
		if err == nil && hit {
			var a ApprovalRequest
			if err := json.Unmarshal(data, &a); err == nil {
				return &a, nil
			}
		}
	}
	return b.approvals.GetApproval(ctx, approvalID)
}

// ListApprovals returns all approval records of a project, newest first.
func (b *Blackboard) ListApprovals(ctx context.Context, projectID string) ([]*ApprovalRequest, error) {
	return b.approvals.ListApprovalsByProject(ctx, projectID)
}

// ListPendingApprovals returns every PENDING approval across projects.
func (b *Blackboard) ListPendingApprovals(ctx context.Context) ([]*ApprovalRequest, error) {
	return b.approvals.ListPendingApprovals(ctx)
}

// cacheProject writes the document's cache entry, best effort.
func (b *Blackboard) cacheProject(ctx context.Context, p *Project) {
	if b.cache == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	_ = b.cache.Set(ctx, ProjectKey(b.instanceName, p.ProjectID), data)
}

// cacheShot writes a shot's cache entry, best effort.
func (b *Blackboard) cacheShot(ctx context.Context, projectID string, shot *Shot) {
	if b.cache == nil || shot == nil {
		return
	}
	data, err := json.Marshal(shot)
	if err != nil {
		return
	}
	_ = b.cache.Set(ctx, ShotKey(b.instanceName, projectID, shot.ShotID), data)
}

// invalidateProject drops the project's cache entry after a write.
// Per-shot entries are refreshed by their own write paths.
func (b *Blackboard) invalidateProject(ctx context.Context, projectID string) {
	if b.cache == nil {
		return
	}
	_ = b.cache.Invalidate(ctx, ProjectKey(b.instanceName, projectID))
}
