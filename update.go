package palpable

import "time"

// UpdateInfo is the result of the latest update check. It is never persisted.
type UpdateInfo struct {
	CurrentVersion  string    `json:"currentVersion"`
	LatestVersion   string    `json:"latestVersion,omitempty"`
	UpdateAvailable bool      `json:"updateAvailable"`
	CheckedAt       time.Time `json:"checkedAt,omitzero"`
	Error           string    `json:"error,omitempty"`
}

// NewUpdateInfo compares versions by exact string inequality: any difference,
// including a downgrade, counts as an available update. An empty latest
// version means the remote value is unknown.
func NewUpdateInfo(current, latest string) UpdateInfo {
	return UpdateInfo{
		CurrentVersion:  current,
		LatestVersion:   latest,
		UpdateAvailable: latest != "" && latest != current,
	}
}
