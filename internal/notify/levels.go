package notify

import "github.com/soilwatch/sentinel/internal/server/storage"

// AdmittingLevels returns the subscription levels that receive an alert of
// severity sev: every level from info up to and including sev. A recipient
// subscribed at level L therefore receives every alert of severity L or
// above. An unknown severity reaches critical subscribers only.
func AdmittingLevels(sev storage.Severity) []storage.Severity {
	rank := sev.Rank()
	if rank < 0 {
		return []storage.Severity{storage.SeverityCritical}
	}
	out := make([]storage.Severity, rank+1)
	copy(out, storage.Severities[:rank+1])
	return out
}
