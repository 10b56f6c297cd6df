package runtime

import (
	"context"
	"errors"
	"sync"

	"github.com/taskforge/taskforge/internal/agent"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/conversation"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/interaction"
	"github.com/taskforge/taskforge/internal/llm"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/task/service"
	"github.com/taskforge/taskforge/internal/tools"
	"github.com/taskforge/taskforge/internal/uibus"
	"github.com/taskforge/taskforge/internal/workspace"
)

// Deps bundles the singletons every runtime shares.
type Deps struct {
	Service   *service.Service
	Conv      *conversation.Manager
	Exec      *tools.Executor
	Bus       uibus.Bus
	Workspace *workspace.Store
	Log       *logger.Logger
}

// Runtime owns one task's execution loop. It holds scalar state only; all
// durable state lives in the stores.
type Runtime struct {
	taskID string
	agent  agent.Agent
	deps   *Deps
	log    *logger.Logger

	mu                  sync.Mutex
	executing           bool
	paused              bool
	canceled            bool
	pendingInstructions []string
	pendingResponse     *interaction.Response
	abort               context.CancelFunc
}

// NewRuntime builds the runtime for one task.
func NewRuntime(taskID string, a agent.Agent, deps *Deps) *Runtime {
	return &Runtime{
		taskID: taskID,
		agent:  a,
		deps:   deps,
		log:    deps.Log.WithComponent("runtime").WithTaskID(taskID).WithAgentID(a.ID()),
	}
}

func (r *Runtime) actorID() string { return "agent:" + r.agent.ID() }

// Execute runs the agent loop until terminal state, pause, or cancellation.
// Concurrent calls are single-flight: while a loop is active they no-op.
func (r *Runtime) Execute(ctx context.Context) error {
	r.mu.Lock()
	if r.executing || r.canceled {
		r.mu.Unlock()
		return nil
	}
	r.executing = true
	resp := r.pendingResponse
	r.pendingResponse = nil
	loopCtx, cancel := context.WithCancel(ctx)
	r.abort = cancel
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		r.executing = false
		r.abort = nil
		r.mu.Unlock()
	}()

	err := r.run(loopCtx, resp)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.WithError(err).Error("execution loop failed")
		// Best effort; the transition may not be admissible anymore.
		if ferr := r.deps.Service.FailTask(context.WithoutCancel(ctx), r.taskID, r.actorID(), err.Error()); ferr != nil && !errors.Is(ferr, service.ErrInvalidTransition) {
			r.log.WithError(ferr).Warn("could not record task failure")
		}
		return err
	}
	return nil
}

// Resume re-enters the loop carrying the user's interaction response.
func (r *Runtime) Resume(ctx context.Context, resp *interaction.Response) error {
	r.mu.Lock()
	r.pendingResponse = resp
	r.mu.Unlock()
	return r.Execute(ctx)
}

// OnPause flags the loop to stop at its next safe suspension point.
func (r *Runtime) OnPause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// OnResume clears the pause flag. The manager schedules Execute afterwards.
func (r *Runtime) OnResume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

// OnCancel flips the cancel flag and aborts inflight LM and tool work.
func (r *Runtime) OnCancel() {
	r.mu.Lock()
	r.canceled = true
	abort := r.abort
	r.mu.Unlock()
	if abort != nil {
		abort()
	}
}

// OnInstruction routes a new user instruction: queued while executing or
// while the history cannot take a user message, injected and run otherwise.
// The returned bool is true when the manager should schedule Execute.
func (r *Runtime) OnInstruction(text string) (runNow bool, err error) {
	r.mu.Lock()
	if r.executing || r.canceled {
		if !r.canceled {
			r.pendingInstructions = append(r.pendingInstructions, text)
		}
		r.mu.Unlock()
		return false, nil
	}
	r.mu.Unlock()

	if conversation.SafeToInject(r.deps.Conv.Store().History(r.taskID)) {
		if _, err := r.deps.Conv.Store().Append(r.taskID, llm.UserMessage(text)); err != nil {
			return false, err
		}
		return true, nil
	}
	r.mu.Lock()
	r.pendingInstructions = append(r.pendingInstructions, text)
	r.mu.Unlock()
	return false, nil
}

func (r *Runtime) isCanceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

func (r *Runtime) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// run is the execution loop body.
func (r *Runtime) run(ctx context.Context, resp *interaction.Response) error {
	conv := r.deps.Conv.Store()

	// Duplicate work items land here: a task already folded terminal has
	// nothing to run.
	if resp == nil {
		if stream := r.deps.Service.ReplayStream(r.taskID); task.StreamStatus(stream).Terminal() {
			return nil
		}
	}

	if err := r.deps.Conv.Repair(ctx, r.taskID); err != nil {
		return err
	}

	tctx := &tools.Context{
		TaskID:    r.taskID,
		ActorID:   r.actorID(),
		Workspace: r.deps.Workspace,
	}
	handler := NewOutputHandler(r.taskID, r.actorID(), r.deps.Service, conv, r.deps.Exec, r.deps.Bus, nil, r.deps.Log)

	if resp != nil {
		if err := r.applyResponse(ctx, tctx, handler, resp); err != nil {
			return err
		}
	}

	// Mark the task running; already-running is fine.
	if err := r.deps.Service.StartTask(ctx, r.taskID, r.actorID()); err != nil && !errors.Is(err, service.ErrInvalidTransition) {
		return err
	}

	if err := r.drainInstructions(); err != nil {
		return err
	}

	for {
		if r.isCanceled() || ctx.Err() != nil {
			return nil
		}
		if r.isPaused() && conversation.SafeToInject(conv.History(r.taskID)) {
			return nil
		}

		before := conv.Len(r.taskID)
		res, err := r.step(ctx, tctx)
		if err != nil {
			return err
		}
		if res.Terminal || res.Pause {
			return nil
		}

		if err := r.drainInstructions(); err != nil {
			return err
		}
		// An idle step made no progress; stop instead of spinning.
		if conv.Len(r.taskID) == before {
			return nil
		}
	}
}

// step runs one agent turn and handles every yielded output.
func (r *Runtime) step(ctx context.Context, tctx *tools.Context) (HandleResult, error) {
	conv := r.deps.Conv.Store()
	stream := NewStreamHandler(r.taskID, r.deps.Bus, conv)
	handler := NewOutputHandler(r.taskID, r.actorID(), r.deps.Service, conv, r.deps.Exec, r.deps.Bus, stream, r.deps.Log)

	outputs, err := r.agent.Step(ctx, &agent.StepInput{
		TaskID:  r.taskID,
		History: conv.History(r.taskID),
		Tools:   r.deps.Exec.Registry().Definitions(),
		OnChunk: func(chunk llm.StreamChunk) {
			if err := stream.OnChunk(ctx, chunk); err != nil {
				r.log.WithError(err).Error("failed to persist stream chunk")
			}
		},
	})
	if err != nil {
		return HandleResult{}, err
	}

	var final HandleResult
	for out := range outputs {
		if r.isCanceled() || ctx.Err() != nil {
			// Keep draining so the agent goroutine can exit, but stop
			// acting on outputs.
			final.Terminal = true
			continue
		}
		if out.Err != nil && out.Kind != agent.OutputFailed {
			return HandleResult{}, out.Err
		}
		res, err := handler.Handle(ctx, tctx, out)
		if err != nil {
			return res, err
		}
		if res.Terminal || res.Pause {
			final = res
		}
	}
	return final, nil
}

// applyResponse folds a user interaction response into the loop state:
// approvals bind the confirmed tool call, rejections answer the dangling
// call, free-form input becomes a user message.
func (r *Runtime) applyResponse(ctx context.Context, tctx *tools.Context, handler *OutputHandler, resp *interaction.Response) error {
	req := r.findInteraction(resp.InteractionID)
	boundCall := ""
	if req != nil {
		boundCall = req.ToolCallID()
	}

	switch {
	case resp.IsApproval() && boundCall != "":
		tctx.ConfirmedInteractionID = resp.InteractionID
		tctx.ConfirmedToolCallID = boundCall
	case resp.IsRejection() && boundCall != "":
		if err := handler.HandleRejection(ctx, tctx, boundCall); err != nil {
			return err
		}
	}

	if resp.InputValue != "" {
		if _, err := r.deps.Conv.Store().Append(r.taskID, llm.UserMessage(resp.InputValue)); err != nil {
			return err
		}
	}
	if resp.Comment != "" {
		if _, err := r.deps.Conv.Store().Append(r.taskID, llm.UserMessage(resp.Comment)); err != nil {
			return err
		}
	}
	return nil
}

// findInteraction recovers the interaction request a response refers to.
func (r *Runtime) findInteraction(interactionID string) *interaction.Request {
	for _, se := range r.deps.Service.ReplayStream(r.taskID) {
		if se.Type != events.InteractionRequested {
			continue
		}
		req, err := se.InteractionRequest()
		if err != nil || req == nil || req.ID != interactionID {
			continue
		}
		return req
	}
	return nil
}

// drainInstructions injects queued instructions while the history can take
// user messages.
func (r *Runtime) drainInstructions() error {
	conv := r.deps.Conv.Store()
	for {
		r.mu.Lock()
		if len(r.pendingInstructions) == 0 {
			r.mu.Unlock()
			return nil
		}
		if !conversation.SafeToInject(conv.History(r.taskID)) {
			r.mu.Unlock()
			return nil
		}
		next := r.pendingInstructions[0]
		r.pendingInstructions = r.pendingInstructions[1:]
		r.mu.Unlock()

		if _, err := conv.Append(r.taskID, llm.UserMessage(next)); err != nil {
			return err
		}
	}
}
