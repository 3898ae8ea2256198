package server

import "time"

// Stats represents current relay stats for dashboards & API.
type Stats struct {
	Active        int           `json:"active"`
	TotalSessions int64         `json:"total_sessions"`
	DialFailures  int64         `json:"dial_failures"`
	RateLimited   int64         `json:"rate_limited"`
	Ready         bool          `json:"ready"`
	Closing       bool          `json:"closing"`
	Sessions      []SessionInfo `json:"sessions"`
	Now           string        `json:"now"`
}

func (r *Registry) Stats() Stats {
	sessions := r.Snapshot()
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Active:        len(sessions),
		TotalSessions: r.totalSessions,
		DialFailures:  r.dialFailures,
		RateLimited:   r.rateLimited,
		Ready:         r.ready,
		Closing:       r.closing,
		Sessions:      sessions,
		Now:           time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Active":       s.Active,
		"Total":        s.TotalSessions,
		"DialFailures": s.DialFailures,
		"RateLimited":  s.RateLimited,
		"Closing":      s.Closing,
		"Sessions":     s.Sessions,
	}
}
