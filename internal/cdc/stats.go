package cdc

// ChangeStats summarizes a change set as counts and percentages.
type ChangeStats struct {
	Inserts   int `json:"inserts"`
	Updates   int `json:"updates"`
	Deletes   int `json:"deletes"`
	Unchanged int `json:"unchanged"`
	Total     int `json:"total"`

	InsertPct    float64 `json:"insertPct"`
	UpdatePct    float64 `json:"updatePct"`
	DeletePct    float64 `json:"deletePct"`
	UnchangedPct float64 `json:"unchangedPct"`
}

// CalculateChangeStats derives counts and percentages from a change set.
// Pure: no side effects. Percentages are relative to all classified records
// (inserts + updates + deletes + unchanged).
func CalculateChangeStats(cs ChangeSet) ChangeStats {
	stats := ChangeStats{
		Inserts:   len(cs.Inserts),
		Updates:   len(cs.Updates),
		Deletes:   len(cs.Deletes),
		Unchanged: cs.UnchangedCount,
	}
	stats.Total = stats.Inserts + stats.Updates + stats.Deletes + stats.Unchanged

	if stats.Total == 0 {
		return stats
	}

	total := float64(stats.Total)
	stats.InsertPct = 100 * float64(stats.Inserts) / total
	stats.UpdatePct = 100 * float64(stats.Updates) / total
	stats.DeletePct = 100 * float64(stats.Deletes) / total
	stats.UnchangedPct = 100 * float64(stats.Unchanged) / total
	return stats
}
