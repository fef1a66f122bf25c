package interpreter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
	"github.com/bazaarvoice/qtype/index"
	"github.com/bazaarvoice/qtype/ir"
	"github.com/bazaarvoice/qtype/memory"
	"github.com/bazaarvoice/qtype/model"
	"github.com/bazaarvoice/qtype/secretref"
	"github.com/bazaarvoice/qtype/tool"
)

// DefaultClientTTL is how long an idle model/index/tool client stays
// cached before being rebuilt.
const DefaultClientTTL = 15 * time.Minute

// Config binds the runtime's abstract interfaces to an Interpreter: model
// providers by provider name (or model id), index clients by index id,
// native tool implementations, document readers, the memory store, and
// the secret resolver. New fills in defaults for the fields it lists;
// Providers and Secrets get none.
type Config struct {
	Providers   map[string]model.Provider
	Indexes     map[string]index.Index
	NativeTools tool.NativeRegistry
	Readers     map[string]DocumentReader
	Memory      memory.Store
	Secrets     secretref.Resolver
	Registry    *Registry
	Events      EventHandler
	Retry       core.RetryPolicy
	StepTimeout time.Duration
	ClientTTL   time.Duration
}

// Interpreter executes flows of one checked application. It is safe for
// concurrent Run calls; the Semantic IR is shared read-only and every
// mutable surface (memory, session state, client cache) is internally
// synchronized.
type Interpreter struct {
	sem      *ir.SemanticIR
	cfg      Config
	clients  *clientCache
	sessions *sessionState

	mu         sync.Mutex
	memIndexes map[string]*index.MemIndex
}

// New builds an Interpreter over a checked application. cfg fields left
// zero get defaults: an in-memory memory store, the default executor
// registry, the standard retry policy, and a 15-minute client TTL.
func New(sem *ir.SemanticIR, cfg Config) *Interpreter {
	if cfg.Memory == nil {
		cfg.Memory = memory.NewMemStore()
	}
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.ClientTTL <= 0 {
		cfg.ClientTTL = DefaultClientTTL
	}
	cfg.Retry = cfg.Retry.Normalize()
	if cfg.Readers == nil {
		cfg.Readers = map[string]DocumentReader{}
	}
	if _, ok := cfg.Readers["directory"]; !ok {
		cfg.Readers["directory"] = DirectoryReader{}
	}
	return &Interpreter{
		sem:        sem,
		cfg:        cfg,
		clients:    newClientCache(cfg.ClientTTL),
		sessions:   newSessionState(),
		memIndexes: map[string]*index.MemIndex{},
	}
}

// RunOptions controls a single flow invocation.
type RunOptions struct {
	// SessionID groups conversational turns; generated when empty.
	SessionID string

	// Timeout bounds the whole run.
	Timeout time.Duration

	// Events receives this run's event stream in addition to the
	// interpreter-level handler.
	Events EventHandler
}

// Result is the outcome of a completed run.
type Result struct {
	RunID     string
	SessionID string

	// Messages are the terminal capsules, in emission order, including
	// failed ones.
	Messages []*FlowMessage

	// Outputs holds the flow's declared output variables from the last
	// successful terminal capsule.
	Outputs map[string]any
}

// Run executes the named flow against inputs and blocks until the
// stream completes, the context is cancelled, or a fatal error unwinds
// the pipeline.
func (it *Interpreter) Run(ctx context.Context, flowID string, inputs map[string]any, opts RunOptions) (*Result, error) {
	flow, ok := it.sem.Flow(flowID)
	if !ok {
		return nil, fmt.Errorf("interpreter: flow %q is not defined", flowID)
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	runID := uuid.NewString()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	rctx, cancelCause := context.WithCancelCause(ctx)
	defer cancelCause(nil)

	emit := MultiEventHandler(it.cfg.Events, opts.Events)
	env := &runEnv{
		interp:    it,
		flow:      flow,
		runID:     runID,
		sessionID: sessionID,
		emit:      emit,
		retry:     it.cfg.Retry,
		fatal: func(err *core.RuntimeError) {
			cancelCause(err)
		},
	}

	seed := NewFlowMessage(sessionID, inputs)
	seed.Metadata.TraceID = runID
	// Session inputs persist across conversational turns; earlier
	// turns' values are folded in under the caller's explicit inputs.
	for k, v := range it.sessions.load(sessionID) {
		if _, explicit := seed.Variables[k]; !explicit {
			seed.Variables[k] = v
		}
	}

	msgs, err := it.execFlow(rctx, env, flow, singleMessageIn(seed))

	if cause := context.Cause(rctx); cause != nil && !errors.Is(cause, context.Canceled) {
		var rt *core.RuntimeError
		if errors.As(cause, &rt) {
			emit(NewEvent(EventError, runID).WithPayload("error", rt.Error()))
			emit(NewEvent(EventFinish, runID).WithPayload("status", "failed"))
			return nil, rt
		}
	}
	if ctx.Err() != nil {
		cancelled := &core.Cancelled{Reason: ctx.Err().Error()}
		emit(NewEvent(EventError, runID).WithPayload("error", cancelled.Error()))
		emit(NewEvent(EventFinish, runID).WithPayload("status", "cancelled"))
		return nil, cancelled
	}
	if err != nil {
		emit(NewEvent(EventFinish, runID).WithPayload("status", "failed"))
		return nil, err
	}

	res := &Result{RunID: runID, SessionID: sessionID, Messages: msgs}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Failed() {
			continue
		}
		res.Outputs = map[string]any{}
		for _, out := range flow.Outputs {
			if v, ok := msgs[i].Var(out); ok {
				res.Outputs[out] = v
			}
		}
		it.storeSessionInputs(flow, sessionID, msgs[i])
		break
	}
	emit(NewEvent(EventFinish, runID).WithPayload("status", "completed"))
	return res, nil
}

func (it *Interpreter) storeSessionInputs(flow *dsl.Flow, sessionID string, msg *FlowMessage) {
	if len(flow.SessionInputs) == 0 {
		return
	}
	vars := map[string]any{}
	for _, id := range flow.SessionInputs {
		if v, ok := msg.Var(id); ok {
			vars[id] = v
		}
	}
	it.sessions.store(sessionID, vars)
}

// execFlow chains the flow's executors in topological order over seed
// and collects the terminal stream. InvokeFlow reuses it for sub-flows.
func (it *Interpreter) execFlow(ctx context.Context, env *runEnv, flow *dsl.Flow, seed <-chan *FlowMessage) ([]*FlowMessage, error) {
	steps, err := it.pipelineSteps(flow)
	if err != nil {
		return nil, err
	}

	ch := seed
	for _, s := range steps {
		exec, err := it.cfg.Registry.Build(env, flow, s)
		if err != nil {
			return nil, err
		}
		ch = exec.Process(ctx, ch)
	}
	return collectAll(ctx, ch), nil
}

// pipelineSteps orders a flow's top-level steps topologically by their
// producer/consumer variable edges, declaration order breaking ties.
// Steps that only run as Condition branch targets are excluded; the
// Condition executor drives them per message.
func (it *Interpreter) pipelineSteps(flow *dsl.Flow) ([]dsl.Step, error) {
	branchTargets := map[string]bool{}
	for _, s := range flow.Steps {
		c, ok := s.(*dsl.Condition)
		if !ok {
			continue
		}
		for _, b := range []*dsl.Branch{c.Then, c.Else} {
			if b != nil && b.StepID != "" {
				branchTargets[b.StepID] = true
			}
		}
	}

	var steps []dsl.Step
	for _, s := range flow.Steps {
		if !branchTargets[s.Base().ID] {
			steps = append(steps, s)
		}
	}

	producerOf := map[string]string{}
	for _, s := range steps {
		for _, out := range s.Base().Outputs {
			producerOf[out] = s.Base().ID
		}
	}
	indexOf := map[string]int{}
	for i, s := range steps {
		indexOf[s.Base().ID] = i
	}
	inDegree := make([]int, len(steps))
	successors := map[int][]int{}
	for i, s := range steps {
		for _, in := range s.Base().Inputs {
			p, ok := producerOf[in]
			if !ok || p == s.Base().ID {
				continue
			}
			j := indexOf[p]
			successors[j] = append(successors[j], i)
			inDegree[i]++
		}
	}
	var queue []int
	for i := range steps {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	ordered := make([]dsl.Step, 0, len(steps))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		ordered = append(ordered, steps[cur])
		for _, succ := range successors[cur] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	if len(ordered) != len(steps) {
		// The checker rejects cyclic flows before execution; reaching
		// this means the IR was bypassed.
		return nil, &core.RuntimeError{Class: core.RuntimeFatal, Code: core.RuntimeInvariantViolation, Message: fmt.Sprintf("flow %q has a cyclic step dependency", flow.ID)}
	}
	return ordered, nil
}

// sessionState persists session_inputs between conversational turns of
// one process. It is intentionally in-process only; in-flight flow
// state does not survive a restart.
type sessionState struct {
	mu   sync.RWMutex
	vars map[string]map[string]any
}

func newSessionState() *sessionState {
	return &sessionState{vars: map[string]map[string]any{}}
}

func (s *sessionState) load(sessionID string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.vars[sessionID]))
	for k, v := range s.vars[sessionID] {
		out[k] = v
	}
	return out
}

func (s *sessionState) store(sessionID string, vars map[string]any) {
	if len(vars) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.vars[sessionID]
	if cur == nil {
		cur = map[string]any{}
		s.vars[sessionID] = cur
	}
	for k, v := range vars {
		cur[k] = v
	}
}
