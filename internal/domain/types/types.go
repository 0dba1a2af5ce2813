// Package types contains common types used across the application
package types

// Entry represents a leaderboard entry
type Entry struct {
	Rank      int    `json:"rank"`
	BuilderID string `json:"builder_id"`
	Score     int64  `json:"score"`
}
