package models

// Narrow read-time views. These are never stored; the cache always holds
// the richest shape and casts down into one of these on read.

// PublicProject is the project view exposed to voters on other teams.
// It omits ownership and moderation fields.
type PublicProject struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Readme    string `json:"readme"`
	Repo      string `json:"repo"`
	DemoVideo string `json:"demo_video"`
	Image     string `json:"image"`
	EventID   string `json:"event" cache:"ref=events"`
}

// LeaderboardEntry is the minimal project view for ranked listings.
type LeaderboardEntry struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Points float64 `json:"points" cache:"sortable"`
}

// PublicUser is the user view shared with other attendees.
type PublicUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}
