package model

import "time"

// Fixture is a problem file given either inline or by location.
// Location may be an http(s) URL, minio://bucket/key, or a local path.
type Fixture struct {
	Content  string `json:"content,omitempty"`
	Location string `json:"location,omitempty"`
}

// Empty reports whether neither content nor location is set.
func (f Fixture) Empty() bool {
	return f.Content == "" && f.Location == ""
}

// Problem is the read-only judge view of a problem.
type Problem struct {
	ID                string  `json:"id"`
	TimeLimitSeconds  float64 `json:"time_limit_seconds"`
	ReferenceSolution Fixture `json:"reference_solution"`
	InputFixture      Fixture `json:"input_fixture"`
}

// TimeLimit returns the limit as a duration.
func (p Problem) TimeLimit() time.Duration {
	return time.Duration(p.TimeLimitSeconds * float64(time.Second))
}
