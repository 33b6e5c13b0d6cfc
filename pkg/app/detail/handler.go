package detail

import (
	"context"
	"fmt"
	"time"

	"github.com/deploymenttheory/go-mdraid/internal/md"
	"github.com/deploymenttheory/go-mdraid/pkg/app"
)

// Handle processes a detail request
func Handle(ctx *app.Context, req *Request) (*Response, error) {
	startTime := time.Now()

	// 1. Validate request
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx.Log(fmt.Sprintf("Reading array metadata from: %s", req.Target.String()))

	// 2. Examine members or assemble read-only
	var response *Response
	var err error
	if req.Examine {
		response = examine(ctx, req)
	} else {
		response, err = describe(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	response.QueryTime = time.Since(startTime)
	ctx.Progress("Complete", 100)
	return response, nil
}

// examine decodes every member's metadata. Members that cannot be read are reported, not fatal.
func examine(ctx *app.Context, req *Request) *Response {
	response := &Response{}
	for i, path := range req.Target.Devices {
		ctx.Progress("Examining "+path, i*100/len(req.Target.Devices))

		bdevs, err := ctx.OpenDevices([]string{path})
		if err != nil {
			response.Failed = append(response.Failed, MemberError{Path: path, Error: err.Error()})
			continue
		}
		e, err := md.Examine(md.NewRdev(bdevs[0], ctx.Logger), req.Target.Minor)
		if cerr := bdevs[0].Close(); cerr != nil {
			ctx.Logger.WithError(cerr).WithField("device", path).Warn("close failed")
		}
		if err != nil {
			response.Failed = append(response.Failed, MemberError{Path: path, Error: err.Error()})
			continue
		}
		response.Members = append(response.Members, e)
	}
	return response
}

// describe assembles the array auto-read-only, takes a status snapshot and stops it again.
// Nothing is written to the members.
func describe(ctx *app.Context, req *Request) (*Response, error) {
	reg, err := ctx.NewRegistry()
	if err != nil {
		return nil, err
	}
	unit := req.Target.Unit
	if unit < 0 {
		unit = reg.FreeUnit()
	}
	a, err := reg.Get(unit)
	if err != nil {
		return nil, app.WrapError("invalid unit", err)
	}

	ctx.Progress("Opening members...", 10)
	bdevs, err := ctx.OpenDevices(req.Target.Devices)
	if err != nil {
		return nil, err
	}

	ctx.Progress("Assembling...", 40)
	if err := a.Assemble(ctx, bdevs, md.AssembleOptions{Minor: req.Target.Minor, ReadOnly: true}); err != nil {
		return nil, app.WrapError("assembly failed", err)
	}
	defer func() {
		if err := a.Stop(context.Background()); err != nil {
			ctx.Logger.WithError(err).WithField("array", a.DevName()).Warn("stop failed")
		}
	}()

	ctx.Progress("Reading status...", 80)
	status, err := a.Status(ctx)
	if err != nil {
		return nil, app.WrapError("status unavailable", err)
	}
	return &Response{Array: status}, nil
}
