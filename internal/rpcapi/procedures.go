package rpcapi

import (
	"context"
	"fmt"
)

// Procedure names, shared by every transport.
const (
	ProcedureReserve            = "Reserve"
	ProcedureCommit             = "Commit"
	ProcedureRelease            = "Release"
	ProcedureRefund             = "Refund"
	ProcedureResetIfDue         = "ResetIfDue"
	ProcedureScan               = "Scan"
	ProcedureProvision          = "Provision"
	ProcedureGrantBonus         = "GrantBonus"
	ProcedureAdjust             = "Adjust"
	ProcedureSpend              = "Spend"
	ProcedureChangeSubscription = "ChangeSubscription"
	ProcedureBalance            = "Balance"
	ProcedureProjection         = "Projection"
	ProcedureHistory            = "History"
	ProcedureObserveAttempt     = "ObserveAttempt"
)

// Procedure binds a name to a handler method. Call expects the pointer
// returned by NewRequest, already decoded by the transport.
type Procedure struct {
	Name        string
	NewRequest  func() any
	NewResponse func() any
	Call        func(ctx context.Context, handler *Handler, request any) (any, error)
}

// Invoke decodes a fresh request with decode and calls the procedure.
func (procedure Procedure) Invoke(ctx context.Context, handler *Handler, decode func(any) error) (any, error) {
	request := procedure.NewRequest()
	if err := decode(request); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRequest, procedure.Name, err)
	}
	return procedure.Call(ctx, handler, request)
}

// Procedures lists every callable operation.
func Procedures() []Procedure {
	return []Procedure{
		bind(ProcedureReserve, (*Handler).Reserve),
		bind(ProcedureCommit, (*Handler).Commit),
		bind(ProcedureRelease, (*Handler).Release),
		bind(ProcedureRefund, (*Handler).Refund),
		bind(ProcedureResetIfDue, (*Handler).ResetIfDue),
		bind(ProcedureScan, (*Handler).Scan),
		bind(ProcedureProvision, (*Handler).Provision),
		bind(ProcedureGrantBonus, (*Handler).GrantBonus),
		bind(ProcedureAdjust, (*Handler).Adjust),
		bind(ProcedureSpend, (*Handler).Spend),
		bind(ProcedureChangeSubscription, (*Handler).ChangeSubscription),
		bind(ProcedureBalance, (*Handler).Balance),
		bind(ProcedureProjection, (*Handler).Projection),
		bind(ProcedureHistory, (*Handler).History),
		bind(ProcedureObserveAttempt, (*Handler).ObserveAttempt),
	}
}

func bind[Request any, Response any](name string, method func(*Handler, context.Context, Request) (Response, error)) Procedure {
	return Procedure{
		Name:        name,
		NewRequest:  func() any { return new(Request) },
		NewResponse: func() any { return new(Response) },
		Call: func(ctx context.Context, handler *Handler, request any) (any, error) {
			typed, ok := request.(*Request)
			if !ok {
				return nil, fmt.Errorf("%w: %s: unexpected %T", ErrMalformedRequest, name, request)
			}
			response, err := method(handler, ctx, *typed)
			if err != nil {
				return nil, err
			}
			return &response, nil
		},
	}
}
