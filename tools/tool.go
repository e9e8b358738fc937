package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/ggoodman/mcp-gateway-go/reqctx"
	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/invopop/jsonschema"
)

// Handler is the function signature used to handle a tool invocation.
type Handler func(ctx context.Context, session *sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// Tool pairs an MCP tool descriptor with its handler.
type Tool struct {
	Descriptor mcp.Tool
	Handler    Handler
}

// Request is the container for tool call input. It is generic over the typed
// argument struct A.
type Request[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *Request[A]) Name() string                  { return r.name }
func (r *Request[A]) RawArguments() json.RawMessage { return r.raw }
func (r *Request[A]) Args() A                       { return r.args }

// Option configures NewTool behavior.
type Option func(*toolConfig)

type toolConfig struct {
	title                     string
	description               string
	annotations               *mcp.ToolAnnotations
	allowAdditionalProperties bool // default false (strict)
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) Option {
	return func(c *toolConfig) { c.description = desc }
}

// WithTitle sets the human-readable tool title.
func WithTitle(title string) Option {
	return func(c *toolConfig) { c.title = title }
}

// WithAnnotations attaches behavior hints to the descriptor.
func WithAnnotations(a mcp.ToolAnnotations) Option {
	return func(c *toolConfig) { c.annotations = &a }
}

// WithAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false and
// runtime decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) Option {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool constructs a Tool from a typed args struct A. It reflects the input
// schema from A and wraps fn with runtime JSON decoding. The session passed to
// fn is the one resolved for the current request, or nil outside a request.
func NewTool[A any](name string, fn func(ctx context.Context, session *sessions.Session, w ResponseWriter, r *Request[A]) error, opts ...Option) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Title:       cfg.title,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
		Annotations: cfg.annotations,
	}

	handler := func(ctx context.Context, session *sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		var a A
		if len(req.Arguments) > 0 && !bytes.Equal(req.Arguments, []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(req.Arguments))
			if !cfg.allowAdditionalProperties {
				dec.DisallowUnknownFields()
			}
			if err := dec.Decode(&a); err != nil {
				return Errorf("invalid arguments: %v", err), nil
			}
		}
		w := newResponseWriter(ctx)
		r := &Request[A]{name: req.Name, raw: req.Arguments, args: a}
		if err := fn(ctx, session, w, r); err != nil {
			return nil, err
		}
		return w.Result(), nil
	}

	return Tool{Descriptor: desc, Handler: handler}
}

// SessionFrom returns the session attached to the ambient request context.
func SessionFrom(ctx context.Context) *sessions.Session {
	if rc, ok := reqctx.FromContext(ctx); ok {
		return rc.Session
	}
	return nil
}

// reflectInputSchema reflects a Go type A into a jsonschema.Schema, and
// converts it to the simplified mcp.ToolInputSchema. Unknown field policy is
// surfaced via the AdditionalProperties flag on the returned schema.
func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	t := reflect.TypeFor[A]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		AllowAdditionalProperties: allowAdditional,
		// Only named types get a definition to expand at the root;
		// anonymous structs are reflected inline.
		ExpandedStruct: t.Kind() == reflect.Struct && t.Name() != "",
	}
	s := r.ReflectFromType(t)

	// Only object schemas map cleanly to MCP ToolInputSchema.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toProperty(el.Value)
		}
	}
	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             append([]string(nil), s.Required...),
		AdditionalProperties: allowAdditional,
	}
}

// toProperty recursively maps a jsonschema.Schema to the simplified MCP SchemaProperty.
func toProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
		Default:     s.Default,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if v, err := s.Minimum.Float64(); err == nil && s.Minimum != "" {
		p.Minimum = &v
	}
	if v, err := s.Maximum.Float64(); err == nil && s.Maximum != "" {
		p.Maximum = &v
	}
	if s.Type == "array" && s.Items != nil {
		item := toProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// TextResult is a small helper to build a text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextBlock(s)}}
}

// Errorf returns an error CallToolResult with a single text block and IsError=true.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	msg := fmt.Sprintf(format, a...)
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextBlock(msg)}, IsError: true}
}
