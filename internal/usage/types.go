package usage

import (
	"slices"
	"time"

	"github.com/goodtune/usagesync/internal/snapshot"
)

// ProviderState is the latest usage reading for one provider.
type ProviderState struct {
	Primary      *snapshot.RateWindow
	Secondary    *snapshot.RateWindow
	AccountEmail *string
	LoginMethod  *string
	UpdatedAt    time.Time
}

// Metadata describes a provider independently of its usage.
type Metadata struct {
	DisplayName string
}

// State is the local usage state the publisher summarizes. Values returned by
// Store.State are copies and safe to keep.
type State struct {
	// Version increases on every mutation.
	Version uint64

	Usage    map[string]ProviderState
	Errors   map[string]string
	Metadata map[string]Metadata

	// Enabled lists provider IDs in display order.
	Enabled []string

	SyncEnabled bool
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := State{
		Version:     s.Version,
		Usage:       make(map[string]ProviderState, len(s.Usage)),
		Errors:      make(map[string]string, len(s.Errors)),
		Metadata:    make(map[string]Metadata, len(s.Metadata)),
		Enabled:     slices.Clone(s.Enabled),
		SyncEnabled: s.SyncEnabled,
	}
	for id, p := range s.Usage {
		out.Usage[id] = p.clone()
	}
	for id, msg := range s.Errors {
		out.Errors[id] = msg
	}
	for id, m := range s.Metadata {
		out.Metadata[id] = m
	}
	return out
}

// Error returns the current error message for id, if any.
func (s State) Error(id string) (string, bool) {
	msg, ok := s.Errors[id]
	return msg, ok
}

func (p ProviderState) clone() ProviderState {
	p.Primary = cloneWindow(p.Primary)
	p.Secondary = cloneWindow(p.Secondary)
	p.AccountEmail = cloneString(p.AccountEmail)
	p.LoginMethod = cloneString(p.LoginMethod)
	return p
}

func cloneWindow(w *snapshot.RateWindow) *snapshot.RateWindow {
	if w == nil {
		return nil
	}
	out := *w
	if w.WindowMinutes != nil {
		out.WindowMinutes = snapshot.Ptr(*w.WindowMinutes)
	}
	if w.ResetsAt != nil {
		out.ResetsAt = snapshot.Ptr(*w.ResetsAt)
	}
	out.ResetDescription = cloneString(w.ResetDescription)
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	return snapshot.Ptr(*s)
}
