// Package dispatcher implements the Tool Dispatcher (spec §4.7): it
// translates a structured tool-call request into a side-effecting
// operation against the glossary store, the corpus, or a summon session,
// and returns a structured tag-delimited textual response.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	annocontext "github.com/terrarium-labs/annotator/internal/context"
	"github.com/terrarium-labs/annotator/internal/corpus"
	"github.com/terrarium-labs/annotator/internal/store"
	"github.com/terrarium-labs/annotator/pkg/logger"
	"github.com/terrarium-labs/annotator/pkg/telemetry"
)

// Position is the dispatcher's current (post, thread) coordinate, stamped
// onto every write the model makes.
type Position struct {
	PostID   int64
	ThreadID int64
}

// Handler executes one tool call given its raw JSON arguments.
type Handler func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (Result, error)

// Definition pairs a tool's metadata (name, description, schema) with its
// handler, mirroring the teacher's tool-registry-by-name pattern.
type Definition struct {
	Name        string
	Description string
	Params      any // zero value of the tool's parameter struct, for schema generation
	Handler     Handler
}

// Result is a single tool's structured outcome: a root XML-ish element
// whose tag carries identity per spec §6 ("tool-call wire format").
type Result struct {
	Tag  string
	Body string
}

// AssistantFacing renders a Result as the wire text the model sees.
func (r Result) AssistantFacing() string {
	return fmt.Sprintf("<%s>%s</%s>\n", r.Tag, r.Body, r.Tag)
}

// ToolError is returned to the model as <tool_error name="..."> rather
// than escaping to the runner, per spec §4.7 ("only storage-layer
// failures and protocol violations escape upward").
type ToolError struct {
	Name   string
	Reason string
}

func (e ToolError) AssistantFacing() string {
	return fmt.Sprintf("<tool_error name=%q>%s</tool_error>\n", e.Name, e.Reason)
}

// GenerateSchema reflects a parameter struct into a JSON schema for the
// chat request's tool-definition list, the same reflector configuration
// the teacher's tool package uses.
func GenerateSchema(params any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{AllowAdditionalProperties: false, DoNotReference: true}
	return reflector.Reflect(params)
}

// ChatClient is the subset of the LLM client the summon dialogue needs;
// *llm.Client from internal/llm satisfies it.
type ChatClient interface {
	Chat(ctx context.Context, messages []annocontext.Message) (string, error)
}

// Dispatcher owns pointers to every subsystem a tool call may touch: the
// glossary store (which also serves as the snapshot store), the corpus
// reader, the LLM client, and the live annotation context, plus the
// summon sub-state.
type Dispatcher struct {
	Glossary *store.Store
	Corpus   *corpus.Reader
	LLM      ChatClient
	Context  *annocontext.AnnotationContext

	registry map[string]Definition
	order    []string
	summon   *summonSession

	currentPosition Position
}

var tracer = telemetry.Tracer("annotator.dispatcher")

// New constructs a Dispatcher and registers the full tool set (spec §4.7).
func New(glossary *store.Store, corpusReader *corpus.Reader, llm ChatClient, actx *annocontext.AnnotationContext) *Dispatcher {
	d := &Dispatcher{Glossary: glossary, Corpus: corpusReader, LLM: llm, Context: actx, registry: make(map[string]Definition)}
	d.register(glossarySearchDefinition())
	d.register(glossaryCreateDefinition())
	d.register(glossaryUpdateDefinition())
	d.register(glossaryDeleteDefinition())
	d.register(readPostDefinition())
	d.register(readThreadRangeDefinition())
	d.register(summonSnapshotDefinition())
	d.register(summonContinueDefinition())
	d.register(summonDismissDefinition())
	return d
}

func (d *Dispatcher) register(def Definition) {
	d.registry[def.Name] = def
	d.order = append(d.order, def.Name)
}

// Definitions returns the tool metadata for the chat request's tool list,
// in registration order, for attachment as call metadata (spec §4.5).
func (d *Dispatcher) Definitions() []annocontext.ToolDefinition {
	out := make([]annocontext.ToolDefinition, 0, len(d.order))
	for _, name := range d.order {
		def := d.registry[name]
		out = append(out, annocontext.ToolDefinition{Name: def.Name, Description: def.Description, Schema: GenerateSchema(def.Params)})
	}
	return out
}

// summonActive reports whether a summon session is currently open.
func (d *Dispatcher) summonActive() bool {
	return d.summon != nil
}

// requireNoSummon rejects write tools while a summon session is active,
// per spec §4.7 rule (2).
func (d *Dispatcher) requireNoSummon() error {
	if d.summonActive() {
		return store.ErrWriteBlockedDuringSummon
	}
	return nil
}

// RunTool routes a named tool call to its handler, wrapping the result (or
// error) in a traced span, matching the teacher's RunTool shape.
func (d *Dispatcher) RunTool(ctx context.Context, name string, arguments json.RawMessage, pos Position) string {
	def, ok := d.registry[name]
	if !ok {
		return ToolError{Name: name, Reason: "unknown tool"}.AssistantFacing()
	}

	ctx, span := tracer.Start(ctx, "dispatcher.run_tool."+name, trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	d.currentPosition = pos
	result, err := def.Handler(ctx, d, arguments)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.G(ctx).WithError(err).WithField("tool", name).Warn("tool call returned an error result")
		return ToolError{Name: name, Reason: err.Error()}.AssistantFacing()
	}
	return result.AssistantFacing()
}
