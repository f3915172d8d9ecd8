// Package dashboard implements the thin external-collaborator registry
// behind POST /api/dashboards/register (§1, §6): the core never renders
// a dashboard itself, it only remembers the URLs an external dashboard
// advertises for a session and forwards them back out of
// GET /api/sessions.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sshxd/sshxd/internal/ids"
	"github.com/sshxd/sshxd/internal/store"
)

// Info is one session's advertised dashboard, as returned inside
// GET /api/sessions's per-session `dashboard:{url, writeUrl,
// displayName}` field.
type Info struct {
	URL         string `json:"url"`
	WriteURL    string `json:"writeUrl,omitempty"`
	DisplayName string `json:"displayName"`
	Key         string `json:"dashboardKey"`
}

// Registry persists one Info per session name, sharing the same Store
// the session supervisors use (one more table/key prefix, matching the
// teacher's migration-table pattern of adding a concern to an existing
// store rather than standing up a second one).
type Registry struct {
	store store.Store
}

// New constructs a Registry backed by st.
func New(st store.Store) *Registry {
	return &Registry{store: st}
}

func key(sessionName string) string { return "dashboard:" + sessionName }

// Register records (or replaces) the dashboard advertised for
// sessionName, minting a fresh dashboardKey for it.
func (r *Registry) Register(ctx context.Context, sessionName, url, writeURL, displayName string) (Info, error) {
	dashboardKey, err := ids.GenerateToken()
	if err != nil {
		return Info{}, fmt.Errorf("minting dashboard key: %w", err)
	}
	info := Info{URL: url, WriteURL: writeURL, DisplayName: displayName, Key: dashboardKey}

	data, err := json.Marshal(info)
	if err != nil {
		return Info{}, fmt.Errorf("encoding dashboard info: %w", err)
	}
	if _, err := r.store.Put(ctx, key(sessionName), data); err != nil {
		return Info{}, fmt.Errorf("storing dashboard info: %w", err)
	}
	return info, nil
}

// Get returns the dashboard registered for sessionName, if any.
func (r *Registry) Get(ctx context.Context, sessionName string) (Info, bool, error) {
	snap, err := r.store.Get(ctx, key(sessionName))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Info{}, false, nil
		}
		return Info{}, false, err
	}
	var info Info
	if err := json.Unmarshal(snap.Value, &info); err != nil {
		return Info{}, false, fmt.Errorf("decoding dashboard info: %w", err)
	}
	return info, true, nil
}
