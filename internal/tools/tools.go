// Package tools defines the finance tools offered to the model and the
// registry that executes them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/nugget/suvfin/internal/llm"
)

// Name identifies a tool. The set is closed: every value is declared
// below and bound to a handler when the registry is built.
type Name string

const (
	RegistrarGasto       Name = "registrar_gasto"
	RegistrarEntrada     Name = "registrar_entrada"
	RemoverLancamento    Name = "remover_lancamento"
	EditarLancamento     Name = "editar_lancamento"
	RelatorioPeriodo     Name = "relatorio_periodo"
	RelatorioCategoria   Name = "relatorio_categoria"
	SaldoAtual           Name = "saldo_atual"
	UltimosLancamentos   Name = "ultimos_lancamentos"
	ListarCategorias     Name = "listar_categorias"
	ProcessarComprovante Name = "processar_comprovante"
	ConfirmarComprovante Name = "confirmar_comprovante"
	ExportarRelatorio    Name = "exportar_relatorio"
)

// Pending confirmation kinds.
const (
	PendingReceipt = "receipt"
	PendingDelete  = "delete"
)

// PendingConfirmation is structured data a tool hands to a later
// confirmation step. The orchestrator stores it without interpreting
// Payload.
type PendingConfirmation struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Media is a file a tool wants delivered alongside the reply.
type Media struct {
	Data     []byte
	MIME     string
	Filename string
}

// Result is what a handler returns. Text is shown to the model and,
// through it, to the user.
type Result struct {
	Text    string
	Pending *PendingConfirmation
	Media   *Media
	// IsError marks synthetic results produced for unknown tools and
	// failed handlers.
	IsError bool
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args Args) (Result, error)

// Tool represents a callable tool.
type Tool struct {
	Name        Name           `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry holds available tools in registration order.
type Registry struct {
	tools  map[Name]*Tool
	order  []Name
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[Name]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool. Re-registering a name replaces its handler but
// keeps its original position.
func (r *Registry) Register(t *Tool) {
	if _, ok := r.tools[t.Name]; !ok {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[Name(name)]
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []Name {
	return append([]Name(nil), r.order...)
}

// Definitions returns the tool definitions offered to the model, in
// registration order so prompts stay byte-stable across calls.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, n := range r.order {
		t := r.tools[n]
		defs = append(defs, llm.ToolDefinition{
			Name:        string(t.Name),
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return defs
}

// Execute runs a tool by name. It never fails: unknown tools, handler
// errors and panics become a result string the model can read.
//
// When the context carries a user ID, it replaces whatever user_id the
// model supplied so a call can only touch the current user's data.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (res Result) {
	tool := r.tools[Name(name)]
	if tool == nil {
		err := &ErrToolUnavailable{ToolName: name}
		r.logger.Warn("tool call rejected", "tool", name, "error", err)
		return Result{Text: fmt.Sprintf("Tool '%s' não encontrada.", name), IsError: true}
	}

	args := Args{}
	for k, v := range input {
		args[k] = v
	}
	if uid := UserIDFromContext(ctx); uid != "" {
		if got := args.String("user_id"); got != "" && got != uid {
			r.logger.Warn("tool call user_id overridden", "tool", name, "requested", got)
		}
		args["user_id"] = uid
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool handler panic", "tool", name, "panic", p, "stack", string(debug.Stack()))
			res = Result{Text: fmt.Sprintf("Erro ao executar %s: %v", name, p), IsError: true}
		}
	}()

	res, err := tool.Handler(ctx, args)
	if err != nil {
		r.logger.Error("tool failed", "tool", name, "error", err)
		return Result{Text: fmt.Sprintf("Erro ao executar %s: %s", name, err), IsError: true}
	}
	r.logger.Debug("tool executed", "tool", name, "pending", res.Pending != nil, "media", res.Media != nil)
	return res
}
