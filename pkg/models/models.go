// Package models defines the cached record shapes for the peer-judging
// platform. Every struct here is the richest shape for its entity: the
// cache stores these and derives narrower views at read time.
//
// Field behavior is declared with the `cache` struct tag:
//
//	cache:"ref=<entity>"   single foreign-key reference; auto-indexed, and
//	                       the source wraps the id in a one-element array.
//	                       An optional ",source=<name>" overrides the
//	                       source field name (default: flat name + "_id").
//	cache:"indexed"        point lookups by this field's value
//	cache:"sortable"       ordered retrieval by this numeric field
//
// Plain scalar fields need no tag and are stored verbatim.
package models

// Event is the richest shape for a hackathon event.
type Event struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Description        string `json:"description"`
	JoinCode           string `json:"join_code" cache:"indexed"`
	SlackURL           string `json:"slack_url"`
	OwnerID            string `json:"owner" cache:"ref=users"`
	Votable            bool   `json:"votable"`
	LeaderboardEnabled bool   `json:"leaderboard_enabled"`
	Demo               bool   `json:"demo"`
	MaxVotesPerUser    int    `json:"max_votes_per_user"`
}

// Project is the richest shape for a submitted project.
type Project struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Readme    string  `json:"readme"`
	Repo      string  `json:"repo"`
	DemoVideo string  `json:"demo_video"`
	Image     string  `json:"image"`
	JoinCode  string  `json:"join_code" cache:"indexed"`
	EventID   string  `json:"event" cache:"ref=events"`
	OwnerID   string  `json:"owner" cache:"ref=users"`
	Points    float64 `json:"points" cache:"sortable"`
	Hidden    bool    `json:"hidden"`
}

// User is the richest shape for a platform user.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email" cache:"indexed"`
	DisplayName string `json:"display_name"`
	SlackID     string `json:"slack_id"`
	Admin       bool   `json:"admin"`
}

// Vote is the richest shape for a single peer vote.
type Vote struct {
	ID        string `json:"id"`
	ProjectID string `json:"project" cache:"ref=projects"`
	EventID   string `json:"event" cache:"ref=events"`
	VoterID   string `json:"voter" cache:"ref=users"`
	Rank      int    `json:"rank"`
}

// Referral tracks how a user found an event.
type Referral struct {
	ID      string `json:"id"`
	EventID string `json:"event" cache:"ref=events"`
	UserID  string `json:"user" cache:"ref=users"`
	Content string `json:"content"`
}
