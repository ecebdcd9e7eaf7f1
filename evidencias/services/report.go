package services

import (
	"fmt"
	"net/http"
	"time"

	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/auth"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/schema"
	"github.com/davidtroncosop/Evidencias-FRCV/utils"
)

type summaryResponse struct {
	TotalRecords      int `json:"total_records"`
	Programs          int `json:"programs"`
	Uploaders         int `json:"uploaders"`
	UploadsLast30Days int `json:"uploads_last_30_days"`

	ByProgram   map[string]int `json:"by_program"`
	ByDimension map[string]int `json:"by_dimension"`
	ByCriterion map[string]int `json:"by_criterion"`
}

// Summary aggregates the evidence collection for the admin dashboard. The
// same filter parameters as the listing apply, so the numbers always match
// what the admin is currently looking at.
func (s *EvidenceService) Summary(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	filter, err := s.filterFromRequest(r, user)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	rows, err := s.loadEvidence()
	if err != nil {
		http.Error(w, fmt.Sprintf("error loading evidence summary: %v", err), http.StatusInternalServerError)
		return
	}

	matched := applyFilter(rows, filter)

	cutoff := time.Now().UTC().AddDate(0, 0, -30)
	last30 := 0
	for i := range matched {
		if !matched[i].UploadDate.IsZero() && matched[i].UploadDate.After(cutoff) {
			last30++
		}
	}

	res := summaryResponse{
		TotalRecords:      len(matched),
		Programs:          distinctCount(matched, func(e *schema.Evidence) string { return e.Program }),
		Uploaders:         distinctCount(matched, func(e *schema.Evidence) string { return e.UploadedBy }),
		UploadsLast30Days: last30,
		ByProgram:         countBy(matched, func(e *schema.Evidence) string { return e.Program }),
		ByDimension:       countBy(matched, func(e *schema.Evidence) string { return e.DimensionOrDefault() }),
		ByCriterion:       countBy(matched, func(e *schema.Evidence) string { return e.CriterionOrDefault() }),
	}

	utils.WriteJsonResponse(w, res)
}
