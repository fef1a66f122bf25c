package interpreter

import (
	"fmt"
	"sync"

	"github.com/bazaarvoice/qtype/dsl"
)

// BuilderFunc constructs the executor for one step instance. Builders
// run per flow invocation; anything expensive to create belongs in the
// interpreter's client cache, not the executor.
type BuilderFunc func(env *runEnv, flow *dsl.Flow, step dsl.Step) (Executor, error)

// Registry maps step discriminators to executor builders.
// Adding a step type means adding a dsl variant and one Register call;
// there is no dynamic loading.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]BuilderFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: map[string]BuilderFunc{}}
}

// Register binds a builder to a step discriminator, replacing any
// previous binding.
func (r *Registry) Register(stepType string, fn BuilderFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[stepType] = fn
}

// Build constructs the executor for step, failing on unregistered
// discriminators.
func (r *Registry) Build(env *runEnv, flow *dsl.Flow, step dsl.Step) (Executor, error) {
	r.mu.RLock()
	fn, ok := r.builders[step.StepType()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("interpreter: no executor registered for step type %q", step.StepType())
	}
	return fn(env, flow, step)
}

// DefaultRegistry returns a registry covering every step variant.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(dsl.StepTypePromptTemplate, newPromptTemplateExecutor)
	r.Register(dsl.StepTypeLLMInference, newLLMExecutor)
	r.Register(dsl.StepTypeAgent, newAgentExecutor)
	r.Register(dsl.StepTypeInvokeTool, newInvokeToolExecutor)
	r.Register(dsl.StepTypeInvokeFlow, newInvokeFlowExecutor)
	r.Register(dsl.StepTypeCondition, newConditionExecutor)
	r.Register(dsl.StepTypeFileSource, newFileSourceExecutor)
	r.Register(dsl.StepTypeSQLSource, newSQLSourceExecutor)
	r.Register(dsl.StepTypeDocumentSource, newDocumentSourceExecutor)
	r.Register(dsl.StepTypeDocumentSplitter, newDocumentSplitterExecutor)
	r.Register(dsl.StepTypeDocumentEmbedder, newDocumentEmbedderExecutor)
	r.Register(dsl.StepTypeVectorSearch, newVectorSearchExecutor)
	r.Register(dsl.StepTypeDocumentSearch, newDocumentSearchExecutor)
	r.Register(dsl.StepTypeIndexUpsert, newIndexUpsertExecutor)
	r.Register(dsl.StepTypeReranker, newRerankerExecutor)
	r.Register(dsl.StepTypeAggregate, newAggregateExecutor)
	r.Register(dsl.StepTypeExplode, newExplodeExecutor)
	r.Register(dsl.StepTypeCollect, newCollectExecutor)
	r.Register(dsl.StepTypeFieldExtractor, newFieldExtractorExecutor)
	r.Register(dsl.StepTypeConstruct, newConstructExecutor)
	r.Register(dsl.StepTypeDecoder, newDecoderExecutor)
	r.Register(dsl.StepTypeEcho, newEchoExecutor)
	return r
}
