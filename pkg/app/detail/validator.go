package detail

import (
	"github.com/deploymenttheory/go-mdraid/pkg/app"
)

// Validate validates a detail request
func (r *Request) Validate() error {
	if err := r.Target.Validate(); err != nil {
		return app.NewError(app.ErrCodeInvalidInput, "invalid array target", err)
	}
	if r.Examine && r.Target.Unit >= 0 {
		return app.NewError(app.ErrCodeInvalidInput, "examine reads members without assembling; a unit cannot be given", nil)
	}
	return nil
}
