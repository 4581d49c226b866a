package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/usagesync/internal/snapshot"
)

type wireEnvelope struct {
	Schema   int           `json:"schema"`
	Snapshot *wireSnapshot `json:"snapshot"`
}

type wireSnapshot struct {
	Providers     []wireProvider `json:"providers"`
	SyncTimestamp string         `json:"syncTimestamp"`
	DeviceName    string         `json:"deviceName"`
}

type wireProvider struct {
	ProviderID    string      `json:"providerID"`
	ProviderName  string      `json:"providerName"`
	Primary       *wireWindow `json:"primary,omitempty"`
	Secondary     *wireWindow `json:"secondary,omitempty"`
	AccountEmail  *string     `json:"accountEmail,omitempty"`
	LoginMethod   *string     `json:"loginMethod,omitempty"`
	StatusMessage *string     `json:"statusMessage,omitempty"`
	IsError       bool        `json:"isError"`
	LastUpdated   string      `json:"lastUpdated"`
}

type wireWindow struct {
	UsedPercent      float64 `json:"usedPercent"`
	WindowMinutes    *int    `json:"windowMinutes,omitempty"`
	ResetsAt         *string `json:"resetsAt,omitempty"`
	ResetDescription *string `json:"resetDescription,omitempty"`
}

// errTimestampRange is returned for timestamps RFC 3339 cannot represent.
var errTimestampRange = errors.New("timestamp year outside [0,9999]")

func formatTime(field string, t time.Time) (string, error) {
	t = t.UTC()
	if y := t.Year(); y < 0 || y > 9999 {
		return "", fmt.Errorf("%s: %w", field, errTimestampRange)
	}
	return t.Format(timestampLayout), nil
}

func parseTime(field, s string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: failed to parse %s: %v", ErrSchemaMismatch, field, err)
	}
	return t, nil
}

// toWire fails for anything fromWire could not read back.
func toWire(s snapshot.Snapshot) (*wireSnapshot, error) {
	syncTimestamp, err := formatTime("syncTimestamp", s.SyncTimestamp)
	if err != nil {
		return nil, err
	}

	providers := make([]wireProvider, 0, len(s.Providers))
	for _, p := range s.Providers {
		lastUpdated, err := formatTime("lastUpdated", p.LastUpdated)
		if err != nil {
			return nil, err
		}
		primary, err := windowToWire(p.Primary)
		if err != nil {
			return nil, err
		}
		secondary, err := windowToWire(p.Secondary)
		if err != nil {
			return nil, err
		}

		providers = append(providers, wireProvider{
			ProviderID:    p.ProviderID,
			ProviderName:  p.ProviderName,
			Primary:       primary,
			Secondary:     secondary,
			AccountEmail:  p.AccountEmail,
			LoginMethod:   p.LoginMethod,
			StatusMessage: p.StatusMessage,
			IsError:       p.IsError,
			LastUpdated:   lastUpdated,
		})
	}

	return &wireSnapshot{
		Providers:     providers,
		SyncTimestamp: syncTimestamp,
		DeviceName:    s.DeviceName,
	}, nil
}

func windowToWire(w *snapshot.RateWindow) (*wireWindow, error) {
	if w == nil {
		return nil, nil
	}

	out := &wireWindow{
		UsedPercent:      w.UsedPercent,
		WindowMinutes:    w.WindowMinutes,
		ResetDescription: w.ResetDescription,
	}
	if w.ResetsAt != nil {
		resetsAt, err := formatTime("resetsAt", *w.ResetsAt)
		if err != nil {
			return nil, err
		}
		out.ResetsAt = &resetsAt
	}
	return out, nil
}

func fromWire(w *wireSnapshot) (snapshot.Snapshot, error) {
	syncTimestamp, err := parseTime("syncTimestamp", w.SyncTimestamp)
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	providers := make([]snapshot.ProviderUsage, 0, len(w.Providers))
	for _, p := range w.Providers {
		lastUpdated, err := parseTime("lastUpdated", p.LastUpdated)
		if err != nil {
			return snapshot.Snapshot{}, err
		}

		primary, err := windowFromWire(p.Primary)
		if err != nil {
			return snapshot.Snapshot{}, err
		}
		secondary, err := windowFromWire(p.Secondary)
		if err != nil {
			return snapshot.Snapshot{}, err
		}

		providers = append(providers, snapshot.ProviderUsage{
			ProviderID:    p.ProviderID,
			ProviderName:  p.ProviderName,
			Primary:       primary,
			Secondary:     secondary,
			AccountEmail:  p.AccountEmail,
			LoginMethod:   p.LoginMethod,
			StatusMessage: p.StatusMessage,
			IsError:       p.IsError,
			LastUpdated:   lastUpdated,
		})
	}

	return snapshot.Snapshot{
		Providers:     providers,
		SyncTimestamp: syncTimestamp,
		DeviceName:    w.DeviceName,
	}, nil
}

func windowFromWire(w *wireWindow) (*snapshot.RateWindow, error) {
	if w == nil {
		return nil, nil
	}

	out := &snapshot.RateWindow{
		UsedPercent:      w.UsedPercent,
		WindowMinutes:    w.WindowMinutes,
		ResetDescription: w.ResetDescription,
	}
	if w.ResetsAt != nil {
		resetsAt, err := parseTime("resetsAt", *w.ResetsAt)
		if err != nil {
			return nil, err
		}
		out.ResetsAt = &resetsAt
	}
	return out, nil
}
