package projects

// ID tipe untuk Project
type ID int64

// AssignmentID identifies the assignment a project belongs to.
type AssignmentID int64

// TeamID identifies the team owning a project.
type TeamID int64

type Project struct {
	ID           ID           `json:"id"`
	AssignmentID AssignmentID `json:"assignment_id"`
	TeamID       TeamID       `json:"team_id"`
}

// Metadata is the key/value superset an analyzer's inputs are filtered from.
// Values are arbitrary decoded JSON.
type Metadata map[string]any
