package conflict

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quizapp/offlinesync/internal/db"
	apperrors "github.com/quizapp/offlinesync/internal/errors"
	"github.com/quizapp/offlinesync/internal/logging"
	"github.com/quizapp/offlinesync/internal/models"
	"github.com/quizapp/offlinesync/internal/uuid"
)

// PendingTTL is how long an unresolved conflict is kept before it is purged.
const PendingTTL = 24 * time.Hour

// ConflictLogger records resolved conflicts. Optional.
type ConflictLogger interface {
	Insert(ctx context.Context, l *models.ConflictLog) error
	Recent(ctx context.Context, limit int) ([]*models.ConflictLog, error)
}

// Result is the outcome of DetectAndResolve.
type Result struct {
	Resolved     map[string]interface{} `json:"resolved"`
	HadConflict  bool                   `json:"hadConflict"`
	ConflictType models.ConflictType    `json:"conflictType,omitempty"`
	Winner       string                 `json:"winner"`
	Pending      bool                   `json:"pending"` // parked by the manual strategy
}

// Stats summarizes the pending set and past resolutions.
type Stats struct {
	Pending  int                         `json:"pending"`
	Resolved int                         `json:"resolved"`
	Expired  int                         `json:"expired"`
	ByType   map[models.ConflictType]int `json:"byType"`
	ByEntity map[models.EntityKind]int   `json:"byEntity"`
	Oldest   int64                       `json:"oldest,omitempty"` // epoch ms
}

// Service detects and resolves conflicts and persists the winning copy.
type Service struct {
	records  db.RecordStore
	entities db.EntityStore
	logs     ConflictLogger

	mu       sync.Mutex
	pending  map[string]*models.Conflict
	resolved int
	expired  int

	now func() time.Time
	log *logging.Logger
}

// NewService creates a Service. Known server-owned kinds are written through
// records; every other kind goes to the generic entities table. logs may be nil.
func NewService(records db.RecordStore, entities db.EntityStore, logs ConflictLogger) *Service {
	return &Service{
		records:  records,
		entities: entities,
		logs:     logs,
		pending:  make(map[string]*models.Conflict),
		now:      time.Now,
		log:      logging.Named("conflict"),
	}
}

// DetectAndResolve compares the two copies and persists the winner. With no
// conflict the server copy is applied.
func (s *Service) DetectAndResolve(ctx context.Context, local, server models.TypedPayload, entityID string, strategy ResolutionStrategy) (*Result, error) {
	if local.Data == nil || server.Data == nil {
		return nil, ErrInvalidConflict
	}
	if local.Kind != "" && server.Kind != "" && local.Kind != server.Kind {
		return nil, ErrKindMismatch
	}
	kind := local.Kind
	if kind == "" {
		kind = server.Kind
	}

	c := Detect(local, server, entityID, s.now())
	if c == nil {
		if err := s.write(ctx, kind, entityID, server.Data, SideServer); err != nil {
			return nil, err
		}
		return &Result{Resolved: server.Data, Winner: SideServer}, nil
	}

	s.log.Warn("Conflict detected", map[string]interface{}{
		"entity":        kind,
		"entity_id":     entityID,
		"conflict_type": c.ConflictType,
		"strategy":      strategy,
	})

	s.mu.Lock()
	s.pending[c.Key()] = c
	s.mu.Unlock()

	if strategy == ResolutionStrategyManual {
		if err := s.write(ctx, kind, entityID, local.Data, SideLocal); err != nil {
			return nil, err
		}
		s.log.Warn("Conflict queued for manual review", map[string]interface{}{
			"key": c.Key(),
		})
		return &Result{
			Resolved:     local.Data,
			HadConflict:  true,
			ConflictType: c.ConflictType,
			Winner:       SideLocal,
			Pending:      true,
		}, nil
	}

	winner := decide(strategy, c)
	data := c.ServerData
	if winner == SideLocal {
		data = c.LocalData
	}
	if strategy == ResolutionStrategyLastWriteWins || strategy == "" {
		data = bumpVersion(data, c.LocalData, c.ServerData)
	}

	if err := s.write(ctx, kind, entityID, data, winner); err != nil {
		return nil, err
	}
	s.finish(ctx, c, string(strategy), winner)

	return &Result{
		Resolved:     data,
		HadConflict:  true,
		ConflictType: c.ConflictType,
		Winner:       winner,
	}, nil
}

// ResolveManually persists chosen for a pending conflict and removes it.
func (s *Service) ResolveManually(ctx context.Context, key string, chosen map[string]interface{}) error {
	s.mu.Lock()
	c, ok := s.pending[key]
	s.mu.Unlock()
	if !ok {
		return apperrors.New(apperrors.ErrNotFound, "no pending conflict "+key)
	}
	if chosen == nil {
		return ErrInvalidConflict
	}

	if err := s.write(ctx, c.Entity, c.EntityID, chosen, SideManual); err != nil {
		return err
	}
	s.finish(ctx, c, string(ResolutionStrategyManual), SideManual)
	return nil
}

// PendingConflicts returns the unresolved conflicts, oldest first.
func (s *Service) PendingConflicts() []models.Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Conflict, 0, len(s.pending))
	for _, c := range s.pending {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt != out[j].DetectedAt {
			return out[i].DetectedAt < out[j].DetectedAt
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// PendingCount returns the number of unresolved conflicts.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CleanupOldConflicts drops conflicts pending longer than PendingTTL without
// applying either side, and returns how many were dropped.
func (s *Service) CleanupOldConflicts(ctx context.Context) int {
	cutoff := s.now().Add(-PendingTTL).UnixMilli()

	s.mu.Lock()
	var expired []*models.Conflict
	for key, c := range s.pending {
		if c.DetectedAt < cutoff {
			expired = append(expired, c)
			delete(s.pending, key)
		}
	}
	s.expired += len(expired)
	s.mu.Unlock()

	for _, c := range expired {
		s.log.Warn("Discarding unresolved conflict", map[string]interface{}{
			"key":           c.Key(),
			"conflict_type": c.ConflictType,
			"detected_at":   c.DetectedAt,
		})
		s.record(ctx, c, "", SideExpired)
	}
	return len(expired)
}

// Stats returns conflict counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Pending:  len(s.pending),
		Resolved: s.resolved,
		Expired:  s.expired,
		ByType:   make(map[models.ConflictType]int),
		ByEntity: make(map[models.EntityKind]int),
	}
	for _, c := range s.pending {
		st.ByType[c.ConflictType]++
		st.ByEntity[c.Entity]++
		if st.Oldest == 0 || c.DetectedAt < st.Oldest {
			st.Oldest = c.DetectedAt
		}
	}
	return st
}

func (s *Service) finish(ctx context.Context, c *models.Conflict, strategy, winner string) {
	s.mu.Lock()
	delete(s.pending, c.Key())
	s.resolved++
	s.mu.Unlock()

	s.log.Info("Conflict resolved", map[string]interface{}{
		"key":      c.Key(),
		"strategy": strategy,
		"winner":   winner,
	})
	s.record(ctx, c, strategy, winner)
}

// History returns the most recently resolved conflicts, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	if s.logs == nil {
		return []*models.ConflictLog{}, nil
	}
	logs, err := s.logs.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []*models.ConflictLog{}
	}
	return logs, nil
}

func (s *Service) record(ctx context.Context, c *models.Conflict, strategy, winner string) {
	if s.logs == nil {
		return
	}
	if strategy == "" {
		strategy = "none"
	}
	err := s.logs.Insert(ctx, &models.ConflictLog{
		ID:           uuid.New(),
		Entity:       c.Entity,
		EntityID:     c.EntityID,
		ConflictType: c.ConflictType,
		Strategy:     strategy,
		Winner:       winner,
		DetectedAt:   c.DetectedAt,
		ResolvedAt:   s.now().UnixMilli(),
	})
	if err != nil {
		s.log.Error("Failed to record conflict log", err, map[string]interface{}{"key": c.Key()})
	}
}

// write persists data as the local copy of an entity.
func (s *Service) write(ctx context.Context, kind models.EntityKind, id string, data map[string]interface{}, winner string) error {
	updatedAt, ok := TimestampOf(data)
	if !ok {
		updatedAt = s.now().UnixMilli()
	}
	version, _ := VersionOf(data)

	if s.records != nil && s.records.HasTable(kind) {
		return s.records.Upsert(ctx, kind, &db.Record{
			ID:        id,
			Data:      data,
			Version:   int(version),
			UpdatedAt: updatedAt,
		})
	}

	if kind == models.EntitySubmission || kind == models.EntityAnswer || s.entities == nil {
		return ErrNoWriter
	}

	e, err := s.entities.Get(ctx, kind, id)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	if e == nil {
		e = &models.SyncableEntity{ID: id, Kind: kind, Version: 1}
	}
	e.Data = data
	e.UpdatedAt = updatedAt
	if int(version) > e.Version {
		e.Version = int(version)
	}
	if winner == SideServer {
		e.SyncStatus = models.StatusSynced
	} else if e.SyncStatus == "" {
		e.SyncStatus = models.StatusPending
	}
	return s.entities.Upsert(ctx, e)
}
