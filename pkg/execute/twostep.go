package execute

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"txflow/pkg/classify"
	"txflow/pkg/retry"
	"txflow/pkg/telemetry"
	"txflow/pkg/txn"
	"txflow/pkg/types"
)

// ActionState is a step of the two-step protocol
type ActionState string

const (
	StateNeedsApproval     ActionState = "needs-approval"
	StateApprovalSubmitted ActionState = "approval-submitted"
	StateActionRequested   ActionState = "action-requested"
	StateActionSubmitted   ActionState = "action-submitted"
	StateComplete          ActionState = "complete"
)

// ErrApprovalNotReflected is returned when the backend asks for an approval
// again right after one was submitted. The protocol stops there instead of
// prompting the user a third time.
var ErrApprovalNotReflected = classify.Fatal(
	classify.CodeApprovalNotReflected,
	"Approval not reflected",
	"The approval was submitted but the service still requires it. Wait for the approval to confirm, then start the action again.",
	nil,
)

// ActionRequester returns the transactions of a named action
type ActionRequester interface {
	RequestAction(ctx context.Context, req types.ActionRequest) (*types.ActionResponse, error)
}

// ActionResult is the outcome of a two-step run
type ActionResult struct {
	State    ActionState
	Approval []types.TxResult
	Action   []types.TxResult
}

// Results returns every submitted transaction, approval first
func (r *ActionResult) Results() []types.TxResult {
	out := make([]types.TxResult, 0, len(r.Approval)+len(r.Action))
	out = append(out, r.Approval...)
	return append(out, r.Action...)
}

// TwoStep runs actions that may need a token approval first
type TwoStep struct {
	backend     ActionRequester
	driver      *Driver
	policy      retry.Policy
	settleDelay time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewTwoStep creates the protocol runner
func NewTwoStep(backend ActionRequester, driver *Driver, settleDelay time.Duration) *TwoStep {
	return &TwoStep{
		backend:     backend,
		driver:      driver,
		policy:      retry.Default(),
		settleDelay: settleDelay,
		sleep:       sleepContext,
	}
}

// Run requests the action, executes an approval when the backend asks for
// one, then requests and executes the action itself
func (t *TwoStep) Run(ctx context.Context, req types.ActionRequest) (*ActionResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "two_step", trace.WithAttributes(attribute.String("action", req.Action)))
	defer span.End()

	logger := log.With().Str("component", "twostep").Str("action", req.Action).Logger()
	res := &ActionResult{}
	transition := func(s ActionState) {
		logger.Debug().Str("from", string(res.State)).Str("to", string(s)).Msg("state change")
		res.State = s
	}

	transition(StateActionRequested)
	resp, err := t.request(ctx, req)
	if err != nil {
		return res, err
	}

	if resp.IsApproval() {
		transition(StateNeedsApproval)
		logger.Info().Msg("approval required before the action")

		if res.Approval, err = t.execute(ctx, resp.Batch); err != nil {
			return res, err
		}
		transition(StateApprovalSubmitted)

		if err := t.sleep(ctx, t.settleDelay); err != nil {
			return res, classify.Classify(err)
		}

		transition(StateActionRequested)
		if resp, err = t.request(ctx, req); err != nil {
			return res, err
		}
		if resp.IsApproval() {
			logger.Warn().Msg("approval requested twice; stopping")
			telemetry.RecordError(ctx, ErrApprovalNotReflected)
			return res, ErrApprovalNotReflected
		}
	}

	if res.Action, err = t.execute(ctx, resp.Batch); err != nil {
		return res, err
	}
	transition(StateActionSubmitted)
	transition(StateComplete)
	return res, nil
}

func (t *TwoStep) request(ctx context.Context, req types.ActionRequest) (*types.ActionResponse, error) {
	return retry.DoValue(ctx, t.policy, func(ctx context.Context) (*types.ActionResponse, error) {
		resp, err := t.backend.RequestAction(ctx, req)
		if err == nil && resp == nil {
			return nil, txn.ErrNoTransactions
		}
		return resp, err
	})
}

func (t *TwoStep) execute(ctx context.Context, batch types.PreparedBatch) ([]types.TxResult, error) {
	queue, err := txn.Flatten(batch)
	if err != nil {
		return nil, classify.Classify(err)
	}
	return t.driver.Execute(ctx, queue)
}
