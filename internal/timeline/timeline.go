// Package timeline assembles the merged activity feed: sessions interleaved
// with orphan git activity, newest first.
package timeline

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/devtrail/devtrail/internal/models"
	"github.com/devtrail/devtrail/internal/store"
)

// ItemType discriminates timeline entries.
type ItemType string

const (
	ItemSession     ItemType = "session"
	ItemGitActivity ItemType = "git_activity"
)

// SessionEntry is a session with its correlated git activity attached.
type SessionEntry struct {
	*models.Session
	GitActivity []*models.GitActivity `json:"git_activity,omitempty"`
}

// Item is one timeline entry. Session is set for "session" items; the flat
// workspace/device/git fields are set for "git_activity" items, which bundle
// a consecutive run of uncorrelated git events from one device.
type Item struct {
	Type      ItemType  `json:"type"`
	StartedAt time.Time `json:"started_at"`

	Session *SessionEntry `json:"session,omitempty"`

	WorkspaceID   string                `json:"workspace_id,omitempty"`
	WorkspaceName string                `json:"workspace_name,omitempty"`
	DeviceID      string                `json:"device_id,omitempty"`
	DeviceName    string                `json:"device_name,omitempty"`
	GitActivity   []*models.GitActivity `json:"git_activity,omitempty"`
}

// Page is one assembled timeline page.
type Page struct {
	Items      []*Item       `json:"items"`
	HasMore    bool          `json:"has_more"`
	NextCursor *store.Keyset `json:"-"`
}

// Assembler builds timeline pages from the store.
type Assembler struct {
	store store.Store
}

// NewAssembler creates an Assembler.
func NewAssembler(st store.Store) *Assembler {
	return &Assembler{store: st}
}

// Build assembles one page. Pagination keys off sessions: the page covers the
// time window spanned by the fetched sessions, and orphan git activity inside
// that window rides along.
func (a *Assembler) Build(ctx context.Context, f store.TimelineFilter) (*Page, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	fetch := f
	fetch.Limit = limit + 1
	sessions, err := a.store.TimelineSessions(ctx, fetch)
	if err != nil {
		return nil, err
	}

	hasMore := len(sessions) > limit
	if hasMore {
		sessions = sessions[:limit]
	}
	var nextCursor *store.Keyset
	if hasMore {
		last := sessions[len(sessions)-1]
		nextCursor = &store.Keyset{U: last.StartedAt, I: last.ID}
	}

	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	bySession, err := a.store.GitActivityForSessions(ctx, ids, f.Types)
	if err != nil {
		return nil, err
	}

	items := make([]*Item, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, &Item{
			Type:      ItemSession,
			StartedAt: s.StartedAt,
			Session:   &SessionEntry{Session: s, GitActivity: bySession[s.ID]},
		})
	}

	orphans, err := a.store.OrphanGitActivity(ctx, a.orphanFilter(f, sessions, hasMore))
	if err != nil {
		return nil, err
	}
	groups := groupOrphans(orphans)
	if err := a.nameGroups(ctx, groups); err != nil {
		return nil, err
	}
	items = append(items, groups...)

	sortItemsDesc(items)
	return &Page{Items: items, HasMore: hasMore, NextCursor: nextCursor}, nil
}

// orphanFilter derives the orphan window from the session page: orphans older
// than the oldest session on a non-final page belong to a later page.
func (a *Assembler) orphanFilter(f store.TimelineFilter, sessions []*models.Session, hasMore bool) store.OrphanFilter {
	of := store.OrphanFilter{
		WorkspaceID: f.WorkspaceID,
		DeviceID:    f.DeviceID,
		Types:       f.Types,
		From:        f.After,
		To:          f.Before,
	}
	if f.Cursor != nil {
		cursorTime := f.Cursor.U
		if of.To == nil || cursorTime.Before(*of.To) {
			of.To = &cursorTime
		}
	}
	if hasMore && len(sessions) > 0 {
		oldest := sessions[len(sessions)-1].StartedAt
		if of.From == nil || oldest.After(*of.From) {
			of.From = &oldest
		}
	}
	return of
}

// groupOrphans collapses consecutive orphan events from the same workspace
// and device into one feed entry. Input arrives oldest first; each group is
// stamped with its earliest event's time.
func groupOrphans(orphans []*models.GitActivity) []*Item {
	var items []*Item
	var current *Item
	for _, g := range orphans {
		if current == nil || current.WorkspaceID != g.WorkspaceID || current.DeviceID != g.DeviceID {
			current = &Item{
				Type:        ItemGitActivity,
				StartedAt:   g.Timestamp,
				WorkspaceID: g.WorkspaceID,
				DeviceID:    g.DeviceID,
			}
			items = append(items, current)
		}
		current.GitActivity = append(current.GitActivity, g)
	}
	return items
}

// nameGroups fills in display names for git_activity items. A workspace or
// device deleted out from under the feed just leaves the name empty.
func (a *Assembler) nameGroups(ctx context.Context, groups []*Item) error {
	wsNames := make(map[string]string)
	devNames := make(map[string]string)
	for _, item := range groups {
		if _, ok := wsNames[item.WorkspaceID]; !ok {
			ws, err := a.store.GetWorkspace(ctx, item.WorkspaceID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if ws != nil {
				wsNames[item.WorkspaceID] = ws.DisplayName
			} else {
				wsNames[item.WorkspaceID] = ""
			}
		}
		if _, ok := devNames[item.DeviceID]; !ok {
			dev, err := a.store.GetDevice(ctx, item.DeviceID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if dev != nil {
				devNames[item.DeviceID] = dev.Name
			} else {
				devNames[item.DeviceID] = ""
			}
		}
		item.WorkspaceName = wsNames[item.WorkspaceID]
		item.DeviceName = devNames[item.DeviceID]
	}
	return nil
}

func sortItemsDesc(items []*Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].StartedAt.After(items[j].StartedAt)
	})
}
