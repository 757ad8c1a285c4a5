package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devtrail/devtrail/internal/lifecycle"
	"github.com/devtrail/devtrail/internal/models"
)

// MemoryStore is an in-memory Store for tests and local development. It
// mirrors the Postgres semantics closely enough that services can be
// exercised without a database.
type MemoryStore struct {
	mu sync.RWMutex

	workspaces  map[string]*models.Workspace // by ID
	byCanonical map[string]string            // canonical ID -> workspace ID
	devices     map[string]*models.Device
	links       map[string]*models.WorkspaceDeviceLink // workspaceID+"/"+deviceID
	sessions    map[string]*models.Session
	events      map[string]*models.Event
	messages    map[string][]*models.TranscriptMessage // by session ID
	blocks      map[string][]*models.ContentBlock      // by session ID
	git         map[string]*models.GitActivity
}

var _ Store = (*MemoryStore)(nil)

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		workspaces:  make(map[string]*models.Workspace),
		byCanonical: make(map[string]string),
		devices:     make(map[string]*models.Device),
		links:       make(map[string]*models.WorkspaceDeviceLink),
		sessions:    make(map[string]*models.Session),
		events:      make(map[string]*models.Event),
		messages:    make(map[string][]*models.TranscriptMessage),
		blocks:      make(map[string][]*models.ContentBlock),
		git:         make(map[string]*models.GitActivity),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

// WithTx runs fn directly. The memory store offers no rollback; tests that
// need failure atomicity assert on the Postgres implementation instead.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

func linkKey(workspaceID, deviceID string) string {
	return workspaceID + "/" + deviceID
}

// Identity

func (s *MemoryStore) UpsertWorkspace(ctx context.Context, id, canonicalID, displayName, defaultBranch string) (*models.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.byCanonical[canonicalID]; ok {
		ws := s.workspaces[existingID]
		ws.UpdatedAt = time.Now()
		cp := *ws
		return &cp, nil
	}
	now := time.Now()
	ws := &models.Workspace{
		ID:            id,
		CanonicalID:   canonicalID,
		DisplayName:   displayName,
		DefaultBranch: defaultBranch,
		FirstSeenAt:   now,
		UpdatedAt:     now,
	}
	s.workspaces[id] = ws
	s.byCanonical[canonicalID] = id
	cp := *ws
	return &cp, nil
}

func (s *MemoryStore) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ws
	return &cp, nil
}

func (s *MemoryStore) GetWorkspaceByCanonicalID(ctx context.Context, canonicalID string) (*models.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCanonical[canonicalID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.workspaces[id]
	return &cp, nil
}

func (s *MemoryStore) FindWorkspacesByName(ctx context.Context, name string) ([]*models.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Workspace
	for _, ws := range s.workspaces {
		if strings.EqualFold(ws.DisplayName, name) {
			cp := *ws
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpsertDevice(ctx context.Context, d *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.devices[d.ID]; ok {
		existing.LastSeenAt = now
		return nil
	}
	cp := *d
	if cp.Name == "" {
		cp.Name = "unknown-device"
	}
	if cp.Type == "" {
		cp.Type = models.DeviceLocal
	}
	cp.FirstSeenAt = now
	cp.LastSeenAt = now
	s.devices[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) EnsureWorkspaceDeviceLink(ctx context.Context, workspaceID, deviceID string, localPath *string, at time.Time) (*models.WorkspaceDeviceLink, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := linkKey(workspaceID, deviceID)
	if link, ok := s.links[key]; ok {
		link.LastActiveAt = at
		if localPath != nil {
			link.LocalPath = localPath
		}
		cp := *link
		return &cp, false, nil
	}
	link := &models.WorkspaceDeviceLink{
		WorkspaceID:  workspaceID,
		DeviceID:     deviceID,
		LocalPath:    localPath,
		LastActiveAt: at,
	}
	s.links[key] = link
	cp := *link
	return &cp, true, nil
}

func (s *MemoryStore) GetWorkspaceDeviceLink(ctx context.Context, workspaceID, deviceID string) (*models.WorkspaceDeviceLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[linkKey(workspaceID, deviceID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *link
	return &cp, nil
}

func (s *MemoryStore) RaiseGitHooksPrompt(ctx context.Context, workspaceID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[linkKey(workspaceID, deviceID)]
	if !ok {
		return nil
	}
	if !link.GitHooksInstalled && !link.GitHooksPrompted {
		link.PendingGitHooksPrompt = true
	}
	return nil
}

func (s *MemoryStore) DismissGitHooksPrompt(ctx context.Context, workspaceID, deviceID string, accepted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[linkKey(workspaceID, deviceID)]
	if !ok {
		return ErrNotFound
	}
	link.PendingGitHooksPrompt = false
	link.GitHooksPrompted = true
	link.GitHooksInstalled = link.GitHooksInstalled || accepted
	return nil
}

func (s *MemoryStore) PendingGitHooksPrompts(ctx context.Context, deviceID string) ([]*PendingPrompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type pending struct {
		prompt   *PendingPrompt
		lastSeen time.Time
	}
	var rows []pending
	for _, link := range s.links {
		if link.DeviceID != deviceID || !link.PendingGitHooksPrompt {
			continue
		}
		if link.GitHooksInstalled || link.GitHooksPrompted {
			continue
		}
		ws := s.workspaces[link.WorkspaceID]
		if ws == nil {
			continue
		}
		rows = append(rows, pending{
			prompt: &PendingPrompt{
				WorkspaceID:          link.WorkspaceID,
				WorkspaceName:        ws.DisplayName,
				WorkspaceCanonicalID: ws.CanonicalID,
				DeviceID:             link.DeviceID,
			},
			lastSeen: link.LastActiveAt,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].lastSeen.After(rows[j].lastSeen) })
	out := make([]*PendingPrompt, len(rows))
	for i, r := range rows {
		out[i] = r.prompt
	}
	return out, nil
}

// Events

func (s *MemoryStore) InsertEvents(ctx context.Context, events []*models.Event) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var accepted []string
	now := time.Now()
	for _, e := range events {
		if _, dup := s.events[e.ID]; dup {
			continue
		}
		cp := *e
		cp.IngestedAt = now
		s.events[cp.ID] = &cp
		accepted = append(accepted, cp.ID)
	}
	return accepted, nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, f EventFilter) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Event
	for _, e := range s.events {
		if f.WorkspaceID != "" && e.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.DeviceID != "" && e.DeviceID != f.DeviceID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Cursor != nil && !keysetBefore(e.Timestamp, e.ID, f.Cursor) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListSessionEvents(ctx context.Context, sessionID string) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Event
	for _, e := range s.events {
		if e.SessionID != nil && *e.SessionID == sessionID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) SetEventSession(ctx context.Context, eventID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return ErrNotFound
	}
	e.SessionID = &sessionID
	return nil
}

// Sessions

func (s *MemoryStore) CreateSessionIfAbsent(ctx context.Context, sess *models.Session) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return false, nil
	}
	cp := *sess
	cp.UpdatedAt = time.Now()
	s.sessions[cp.ID] = &cp
	return true, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, f SessionFilter) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, sess := range s.sessions {
		if f.WorkspaceID != "" && sess.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.Lifecycle != "" && sess.Lifecycle != f.Lifecycle {
			continue
		}
		if f.Cursor != nil && !keysetBefore(sess.StartedAt, sess.ID, f.Cursor) {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	sortSessionsDesc(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateSessionFields(ctx context.Context, id string, fields map[string]any) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := applySessionFields(sess, fields); err != nil {
		return nil, err
	}
	sess.UpdatedAt = time.Now()
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) TransitionSession(ctx context.Context, id string, from []lifecycle.State, to lifecycle.State, extra map[string]any) (TransitionResult, error) {
	if !lifecycle.CanTransitionAny(from, to) {
		return TransitionResult{Success: false, Reason: fmt.Sprintf("transition to %s not allowed from %v", to, from)}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return TransitionResult{Success: false, Reason: "session missing or lifecycle changed concurrently"}, nil
	}
	match := false
	for _, st := range from {
		if sess.Lifecycle == st {
			match = true
			break
		}
	}
	if !match {
		return TransitionResult{Success: false, Reason: "session missing or lifecycle changed concurrently"}, nil
	}
	if err := applySessionFields(sess, extra); err != nil {
		return TransitionResult{}, err
	}
	sess.Lifecycle = to
	sess.UpdatedAt = time.Now()
	return TransitionResult{Success: true, NewLifecycle: to}, nil
}

func (s *MemoryStore) FailSession(ctx context.Context, id, errorMessage string) (TransitionResult, error) {
	return s.TransitionSession(ctx, id, lifecycle.NonTerminalStates(), lifecycle.Failed, map[string]any{
		"parse_status": models.ParseFailed,
		"parse_error":  errorMessage,
	})
}

func (s *MemoryStore) ResetSessionForReparse(ctx context.Context, id string) (ResetResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ResetResult{Reset: false}, nil
	}
	resettable := false
	for _, st := range lifecycle.ResettableStates() {
		if sess.Lifecycle == st {
			resettable = true
			break
		}
	}
	if !resettable {
		return ResetResult{Reset: false}, nil
	}
	prev := sess.Lifecycle
	sess.Lifecycle = lifecycle.Ended
	sess.ParseStatus = models.ParsePending
	sess.ParseError = nil
	sess.Summary = nil
	sess.SessionStats = models.SessionStats{}
	sess.UpdatedAt = time.Now()
	return ResetResult{Reset: true, PreviousLifecycle: prev}, nil
}

func (s *MemoryStore) MarkSessionParsing(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.ParseStatus = models.ParseParsing
		sess.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) FindStuckSessions(ctx context.Context, threshold time.Duration) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-threshold)
	var out []*models.Session
	for _, sess := range s.sessions {
		if sess.Lifecycle != lifecycle.Ended && sess.Lifecycle != lifecycle.Parsed {
			continue
		}
		if sess.ParseStatus != models.ParsePending && sess.ParseStatus != models.ParseParsing {
			continue
		}
		if !sess.UpdatedAt.Before(cutoff) {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) SessionStatuses(ctx context.Context, ids []string) (map[string]SessionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]SessionStatus, len(ids))
	for _, id := range ids {
		if sess, ok := s.sessions[id]; ok {
			out[id] = SessionStatus{Lifecycle: sess.Lifecycle, ParseStatus: sess.ParseStatus}
		}
	}
	return out, nil
}

func (s *MemoryStore) FindActiveSession(ctx context.Context, workspaceID, deviceID string, at time.Time) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.Session
	for _, sess := range s.sessions {
		if sess.WorkspaceID != workspaceID || sess.DeviceID != deviceID {
			continue
		}
		if sess.Lifecycle != lifecycle.Detected && sess.Lifecycle != lifecycle.Capturing {
			continue
		}
		if sess.StartedAt.After(at) {
			continue
		}
		if best == nil || sess.StartedAt.After(best.StartedAt) {
			best = sess
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

// Transcript

func (s *MemoryStore) ReplaceTranscript(ctx context.Context, sessionID string, msgs []*models.TranscriptMessage, blocks []*models.ContentBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := make([]*models.TranscriptMessage, len(msgs))
	for i, m := range msgs {
		cp := *m
		ms[i] = &cp
	}
	bs := make([]*models.ContentBlock, len(blocks))
	for i, b := range blocks {
		cp := *b
		bs[i] = &cp
	}
	s.messages[sessionID] = ms
	s.blocks[sessionID] = bs
	return nil
}

func (s *MemoryStore) ListTranscriptMessages(ctx context.Context, sessionID string) ([]*models.TranscriptMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.messages[sessionID]
	out := make([]*models.TranscriptMessage, len(src))
	for i, m := range src {
		cp := *m
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (s *MemoryStore) ListContentBlocks(ctx context.Context, sessionID string) ([]*models.ContentBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ordinal := make(map[string]int, len(s.messages[sessionID]))
	for _, m := range s.messages[sessionID] {
		ordinal[m.ID] = m.Ordinal
	}
	src := s.blocks[sessionID]
	out := make([]*models.ContentBlock, len(src))
	for i, b := range src {
		cp := *b
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool {
		if ordinal[out[i].MessageID] != ordinal[out[j].MessageID] {
			return ordinal[out[i].MessageID] < ordinal[out[j].MessageID]
		}
		return out[i].BlockOrder < out[j].BlockOrder
	})
	return out, nil
}

// Git activity

func (s *MemoryStore) InsertGitActivity(ctx context.Context, g *models.GitActivity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.git[g.ID]; dup {
		return false, nil
	}
	cp := *g
	s.git[cp.ID] = &cp
	return true, nil
}

func (s *MemoryStore) ListSessionGitActivity(ctx context.Context, sessionID string) ([]*models.GitActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.GitActivity
	for _, g := range s.git {
		if g.SessionID != nil && *g.SessionID == sessionID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sortGitAsc(out)
	return out, nil
}

func (s *MemoryStore) GitActivityForSessions(ctx context.Context, sessionIDs []string, types []models.GitActivityType) (map[string][]*models.GitActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[string]bool, len(sessionIDs))
	for _, id := range sessionIDs {
		wanted[id] = true
	}
	out := make(map[string][]*models.GitActivity, len(sessionIDs))
	for _, g := range s.git {
		if g.SessionID == nil || !wanted[*g.SessionID] {
			continue
		}
		if len(types) > 0 && !containsType(types, g.Type) {
			continue
		}
		cp := *g
		out[*g.SessionID] = append(out[*g.SessionID], &cp)
	}
	for id := range out {
		sortGitAsc(out[id])
	}
	return out, nil
}

func (s *MemoryStore) OrphanGitActivity(ctx context.Context, f OrphanFilter) ([]*models.GitActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.GitActivity
	for _, g := range s.git {
		if g.SessionID != nil {
			continue
		}
		if f.WorkspaceID != "" && g.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.DeviceID != "" && g.DeviceID != f.DeviceID {
			continue
		}
		if f.From != nil && g.Timestamp.Before(*f.From) {
			continue
		}
		if f.To != nil && g.Timestamp.After(*f.To) {
			continue
		}
		if len(f.Types) > 0 && !containsType(f.Types, g.Type) {
			continue
		}
		cp := *g
		out = append(out, &cp)
	}
	sortGitAsc(out)
	return out, nil
}

// Timeline

func (s *MemoryStore) TimelineSessions(ctx context.Context, f TimelineFilter) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, sess := range s.sessions {
		if f.WorkspaceID != "" && sess.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.DeviceID != "" && sess.DeviceID != f.DeviceID {
			continue
		}
		if f.After != nil && sess.StartedAt.Before(*f.After) {
			continue
		}
		if f.Before != nil && sess.StartedAt.After(*f.Before) {
			continue
		}
		if f.Cursor != nil && !keysetBefore(sess.StartedAt, sess.ID, f.Cursor) {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	sortSessionsDesc(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Aggregates

func (s *MemoryStore) ListWorkspaces(ctx context.Context, limit int, cursor *Keyset) ([]*WorkspaceListItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*WorkspaceListItem
	for _, ws := range s.workspaces {
		item := &WorkspaceListItem{Workspace: *ws}
		for _, sess := range s.sessions {
			if sess.WorkspaceID != ws.ID {
				continue
			}
			item.SessionCount++
			if sess.Lifecycle == lifecycle.Detected || sess.Lifecycle == lifecycle.Capturing {
				item.ActiveSessionCount++
			}
			if sess.CostEstimateUSD != nil {
				item.TotalCostUSD += *sess.CostEstimateUSD
			}
			if sess.DurationMS != nil {
				item.TotalDurationMS += *sess.DurationMS
			}
			if item.LastSessionAt == nil || sess.StartedAt.After(*item.LastSessionAt) {
				at := sess.StartedAt
				item.LastSessionAt = &at
			}
		}
		for _, link := range s.links {
			if link.WorkspaceID == ws.ID {
				item.DeviceCount++
			}
		}
		sortKey := time.Unix(0, 0)
		if item.LastSessionAt != nil {
			sortKey = *item.LastSessionAt
		}
		if cursor != nil && !keysetBefore(sortKey, item.ID, cursor) {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := time.Unix(0, 0), time.Unix(0, 0)
		if out[i].LastSessionAt != nil {
			ti = *out[i].LastSessionAt
		}
		if out[j].LastSessionAt != nil {
			tj = *out[j].LastSessionAt
		}
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) WorkspaceRecentSessions(ctx context.Context, workspaceID string, limit int) ([]*SessionWithDevice, error) {
	sessions, err := s.ListSessions(ctx, SessionFilter{WorkspaceID: workspaceID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return s.withDevice(sessions), nil
}

func (s *MemoryStore) WorkspaceDevices(ctx context.Context, workspaceID string) ([]*WorkspaceDeviceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*WorkspaceDeviceInfo
	for _, link := range s.links {
		if link.WorkspaceID != workspaceID {
			continue
		}
		d, ok := s.devices[link.DeviceID]
		if !ok {
			continue
		}
		out = append(out, &WorkspaceDeviceInfo{
			Device:            *d,
			LocalPath:         link.LocalPath,
			GitHooksInstalled: link.GitHooksInstalled,
			LastActiveAt:      link.LastActiveAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	return out, nil
}

func (s *MemoryStore) WorkspaceGitSummary(ctx context.Context, workspaceID string) (*GitSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := &GitSummary{}
	branches := make(map[string]bool)
	for _, g := range s.git {
		if g.WorkspaceID != workspaceID {
			continue
		}
		switch g.Type {
		case models.GitCommit:
			sum.TotalCommits++
			if sum.LastCommitAt == nil || g.Timestamp.After(*sum.LastCommitAt) {
				at := g.Timestamp
				sum.LastCommitAt = &at
			}
		case models.GitPush:
			sum.TotalPushes++
		}
		if g.Branch != nil {
			branches[*g.Branch] = true
		}
	}
	for b := range branches {
		sum.ActiveBranches = append(sum.ActiveBranches, b)
	}
	sort.Strings(sum.ActiveBranches)
	return sum, nil
}

func (s *MemoryStore) WorkspaceStats(ctx context.Context, workspaceID string) (*AggregateStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &AggregateStats{}
	for _, sess := range s.sessions {
		if sess.WorkspaceID != workspaceID {
			continue
		}
		addSessionStats(stats, sess)
	}
	return stats, nil
}

func (s *MemoryStore) ListDevices(ctx context.Context) ([]*DeviceListItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DeviceListItem
	for _, d := range s.devices {
		item := &DeviceListItem{Device: *d}
		for _, sess := range s.sessions {
			if sess.DeviceID != d.ID {
				continue
			}
			item.SessionCount++
			if sess.Lifecycle == lifecycle.Detected || sess.Lifecycle == lifecycle.Capturing {
				item.ActiveSessionCount++
			}
			if sess.CostEstimateUSD != nil {
				item.TotalCostUSD += *sess.CostEstimateUSD
			}
			if sess.DurationMS != nil {
				item.TotalDurationMS += *sess.DurationMS
			}
			if item.LastSessionAt == nil || sess.StartedAt.After(*item.LastSessionAt) {
				at := sess.StartedAt
				item.LastSessionAt = &at
			}
		}
		for _, link := range s.links {
			if link.DeviceID == d.ID {
				item.WorkspaceCount++
			}
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return out, nil
}

func (s *MemoryStore) DeviceWorkspaces(ctx context.Context, deviceID string) ([]*DeviceWorkspaceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DeviceWorkspaceInfo
	for _, link := range s.links {
		if link.DeviceID != deviceID {
			continue
		}
		ws, ok := s.workspaces[link.WorkspaceID]
		if !ok {
			continue
		}
		out = append(out, &DeviceWorkspaceInfo{
			Workspace:    *ws,
			LocalPath:    link.LocalPath,
			LastActiveAt: link.LastActiveAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	return out, nil
}

func (s *MemoryStore) DeviceRecentSessions(ctx context.Context, deviceID string, limit int) ([]*SessionWithDevice, error) {
	s.mu.RLock()
	var sessions []*models.Session
	for _, sess := range s.sessions {
		if sess.DeviceID == deviceID {
			cp := *sess
			sessions = append(sessions, &cp)
		}
	}
	s.mu.RUnlock()
	sortSessionsDesc(sessions)
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return s.withDevice(sessions), nil
}

func (s *MemoryStore) DeviceStats(ctx context.Context, deviceID string) (*AggregateStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &AggregateStats{}
	for _, sess := range s.sessions {
		if sess.DeviceID != deviceID {
			continue
		}
		addSessionStats(stats, sess)
	}
	return stats, nil
}

// helpers

func (s *MemoryStore) withDevice(sessions []*models.Session) []*SessionWithDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SessionWithDevice, 0, len(sessions))
	for _, sess := range sessions {
		item := &SessionWithDevice{Session: *sess}
		if d, ok := s.devices[sess.DeviceID]; ok {
			item.DeviceName = d.Name
			item.DeviceType = d.Type
		}
		out = append(out, item)
	}
	return out
}

func keysetBefore(at time.Time, id string, cursor *Keyset) bool {
	if at.Before(cursor.U) {
		return true
	}
	return at.Equal(cursor.U) && id < cursor.I
}

func sortSessionsDesc(sessions []*models.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].StartedAt.After(sessions[j].StartedAt)
		}
		return sessions[i].ID > sessions[j].ID
	})
}

func sortGitAsc(list []*models.GitActivity) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Timestamp.Equal(list[j].Timestamp) {
			return list[i].Timestamp.Before(list[j].Timestamp)
		}
		return list[i].ID < list[j].ID
	})
}

func containsType(types []models.GitActivityType, t models.GitActivityType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func addSessionStats(stats *AggregateStats, sess *models.Session) {
	stats.SessionCount++
	if sess.TotalMessages != nil {
		stats.TotalMessages += int64(*sess.TotalMessages)
	}
	if sess.TokensIn != nil {
		stats.TotalTokensIn += *sess.TokensIn
	}
	if sess.TokensOut != nil {
		stats.TotalTokensOut += *sess.TokensOut
	}
	if sess.CostEstimateUSD != nil {
		stats.TotalCostUSD += *sess.CostEstimateUSD
	}
	if sess.DurationMS != nil {
		stats.TotalDurationMS += *sess.DurationMS
	}
}
