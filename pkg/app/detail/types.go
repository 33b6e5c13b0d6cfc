package detail

import (
	"time"

	"github.com/deploymenttheory/go-mdraid/internal/md"
	"github.com/deploymenttheory/go-mdraid/pkg/app"
)

// Request represents a detail or examine request
type Request struct {
	Target app.ArrayTarget

	// Examine reads each member's metadata without assembling the array
	Examine bool
}

// Response represents detail results
type Response struct {
	Array     *md.ArrayStatus   `json:"array,omitempty" yaml:"array,omitempty"`
	Members   []*md.Examination `json:"members,omitempty" yaml:"members,omitempty"`
	Failed    []MemberError     `json:"failed,omitempty" yaml:"failed,omitempty"`
	QueryTime time.Duration     `json:"query_time" yaml:"query_time"`
}

// MemberError records a member that could not be examined
type MemberError struct {
	Path  string `json:"path" yaml:"path"`
	Error string `json:"error" yaml:"error"`
}

// Healthy reports whether the array has every slot in sync and no faulty member.
func (r *Response) Healthy() bool {
	if r.Array == nil {
		return len(r.Failed) == 0
	}
	return r.Array.Degraded == 0 && r.Array.ActiveDisks == r.Array.RaidDisks
}
