// internal/lti/advantage/types.go
package advantage

/*
Transient DTOs mirroring the AGS and NRPS wire formats. Nothing here is
persisted; the values pass straight through between platform and caller.
*/

// LineItem per IMS AGS 2.0, trimmed to the fields this tool exchanges.
type LineItem struct {
	ID             string  `json:"id,omitempty"` // absolute URL for this line item
	ScoreMaximum   float64 `json:"scoreMaximum,omitempty"`
	Label          string  `json:"label,omitempty"`
	ResourceID     string  `json:"resourceId,omitempty"`
	ResourceLinkID string  `json:"resourceLinkId,omitempty"`
	Tag            string  `json:"tag,omitempty"`
	StartDateTime  string  `json:"startDateTime,omitempty"` // RFC3339
	EndDateTime    string  `json:"endDateTime,omitempty"`   // RFC3339
}

type Score struct {
	UserID           string   `json:"userId"`
	Timestamp        string   `json:"timestamp"` // RFC3339
	ScoreGiven       *float64 `json:"scoreGiven,omitempty"`
	ScoreMaximum     *float64 `json:"scoreMaximum,omitempty"`
	ActivityProgress string   `json:"activityProgress"` // Initialized|InProgress|Submitted|Completed
	GradingProgress  string   `json:"gradingProgress"`  // NotReady|Pending|Failed|PendingManual|FullyGraded
	Comment          string   `json:"comment,omitempty"`
}

type Result struct {
	ID            string   `json:"id,omitempty"` // result URL
	UserID        string   `json:"userId,omitempty"`
	ResultScore   *float64 `json:"resultScore,omitempty"`
	ResultMaximum *float64 `json:"resultMaximum,omitempty"`
	Comment       string   `json:"comment,omitempty"`
	Timestamp     string   `json:"timestamp,omitempty"` // RFC3339
}

// CourseUser is one NRPS membership entry.
type CourseUser struct {
	Status     string   `json:"status,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	Name       string   `json:"name,omitempty"`
	GivenName  string   `json:"given_name,omitempty"`
	FamilyName string   `json:"family_name,omitempty"`
	Email      string   `json:"email,omitempty"`
	Roles      []string `json:"roles,omitempty"`
}

// membershipContainer is one NRPS response page.
type membershipContainer struct {
	ID      string       `json:"id,omitempty"`
	Members []CourseUser `json:"members"`
}
