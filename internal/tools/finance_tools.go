package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/suvfin/internal/brl"
	"github.com/nugget/suvfin/internal/finance"
	"github.com/nugget/suvfin/internal/license"
	"github.com/nugget/suvfin/internal/llm"
)

// LimitChecker enforces the plan's transaction ceiling.
type LimitChecker interface {
	CheckTransactionLimit(ctx context.Context, userID string) (license.LimitCheck, error)
}

// MediaDownloader fetches user-sent media by channel media id.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, error)
}

// Deps are the collaborators of the finance tools.
type Deps struct {
	Store *finance.Store
	// Limits is optional; without it registrations are unlimited.
	Limits LimitChecker
	// Media and Vision back processar_comprovante.
	Media           MediaDownloader
	Vision          llm.Client
	VisionModel     string
	VisionMaxTokens int
	// RecordUsage, when set, receives the token usage of vision calls.
	RecordUsage func(ctx context.Context, model string, u llm.Usage)

	Pending  *PendingStore
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
}

type financeTools struct {
	Deps
}

func (f *financeTools) today() time.Time {
	now := time.Now()
	if f.Now != nil {
		now = f.Now()
	}
	loc := f.Location
	if loc == nil {
		loc = time.Local
	}
	return brl.Day(now.In(loc))
}

func (f *financeTools) clearPending(ctx context.Context, userID string) {
	if f.Pending == nil {
		return
	}
	if err := f.Pending.Clear(ctx, userID); err != nil {
		f.Logger.Warn("pending clear failed", "user_id", userID, "error", err)
	}
}

// NewFinanceRegistry returns a registry holding every finance tool.
func NewFinanceRegistry(d Deps) *Registry {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	r := NewRegistry(d.Logger)
	RegisterFinance(r, d)
	return r
}

// RegisterFinance registers the finance tools on r.
func RegisterFinance(r *Registry, d Deps) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	f := &financeTools{Deps: d}

	userID := map[string]any{"type": "string"}

	r.Register(&Tool{
		Name: RegistrarGasto,
		Description: "Registra um gasto/despesa do usuário. Use quando ele disser que gastou, " +
			"pagou, comprou algo.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id":   userID,
				"valor":     map[string]any{"type": "number", "description": "Valor em reais"},
				"categoria": map[string]any{"type": "string", "description": "Ex: alimentação, transporte, lazer, saúde"},
				"descricao": map[string]any{"type": "string", "description": "Descrição breve do gasto"},
				"data":      map[string]any{"type": "string", "description": "Data no formato YYYY-MM-DD. Se não informada, usar hoje."},
			},
			"required": []string{"user_id", "valor"},
		},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			return f.register(ctx, args, finance.Expense)
		},
	})

	r.Register(&Tool{
		Name:        RegistrarEntrada,
		Description: "Registra uma receita/entrada de dinheiro.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id":   userID,
				"valor":     map[string]any{"type": "number"},
				"categoria": map[string]any{"type": "string"},
				"descricao": map[string]any{"type": "string"},
				"data":      map[string]any{"type": "string"},
			},
			"required": []string{"user_id", "valor"},
		},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			return f.register(ctx, args, finance.Income)
		},
	})

	r.Register(&Tool{
		Name: RemoverLancamento,
		Description: "Remove/exclui um lançamento (gasto ou entrada). " +
			"O usuário pode pedir por ID, por descrição recente ou pelo último registro. " +
			"Se ambíguo, liste os candidatos e peça confirmação.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id":       userID,
				"lancamento_id": map[string]any{"type": "string", "description": "ID do lançamento a remover"},
				"busca":         map[string]any{"type": "string", "description": "Texto para buscar o lançamento (ex: 'mercado ontem')"},
				"confirmar":     map[string]any{"type": "boolean", "description": "Se True, confirma a exclusão"},
			},
			"required": []string{"user_id"},
		},
		Handler: f.remove,
	})

	r.Register(&Tool{
		Name:        EditarLancamento,
		Description: "Edita um lançamento existente (valor, categoria, descrição ou data).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id":        userID,
				"lancamento_id":  map[string]any{"type": "string"},
				"novo_valor":     map[string]any{"type": "number"},
				"nova_categoria": map[string]any{"type": "string"},
				"nova_descricao": map[string]any{"type": "string"},
				"nova_data":      map[string]any{"type": "string"},
			},
			"required": []string{"user_id", "lancamento_id"},
		},
		Handler: f.edit,
	})

	registerReports(r, f, userID)
	registerReceipts(r, f, userID)
}

const invalidDate = "❌ Data inválida. Use o formato YYYY-MM-DD."

// register implements registrar_gasto and registrar_entrada.
func (f *financeTools) register(ctx context.Context, args Args, typ finance.TxType) (Result, error) {
	uid := args.String("user_id")
	if uid == "" {
		return Result{}, errors.New("user_id é obrigatório")
	}

	date := f.today()
	if s := args.String("data"); s != "" {
		d, ok := brl.ParseDate(s, date)
		if !ok {
			return Result{Text: invalidDate}, nil
		}
		date = d
	}

	valor, _ := args.Float("valor")
	cents := brl.ToCents(valor)
	if cents <= 0 {
		return Result{Text: "❌ O valor precisa ser maior que zero."}, nil
	}

	// The check gives the user-facing reason; MaxLive enforces the same
	// ceiling atomically, since a tool round registers concurrently.
	var check license.LimitCheck
	if f.Limits != nil {
		var err error
		check, err = f.Limits.CheckTransactionLimit(ctx, uid)
		if err != nil {
			return Result{}, fmt.Errorf("check limit: %w", err)
		}
		if !check.Allowed {
			return Result{Text: "⚠️ " + check.Reason}, nil
		}
	}

	category := args.String("categoria")
	if category == "" {
		category = finance.CategoryOther
		if typ == finance.Income {
			category = finance.CategorySalary
		}
	}
	desc := args.String("descricao")

	tx, err := f.Store.CreateTransaction(ctx, finance.NewTransaction{
		UserID:      uid,
		Type:        typ,
		AmountCents: cents,
		Description: desc,
		Category:    category,
		Date:        date,
		MaxLive:     check.Limit,
	})
	if errors.Is(err, finance.ErrLimitReached) {
		return Result{Text: "⚠️ " + license.LimitReachedText(check.Limit)}, nil
	}
	if err != nil {
		return Result{}, err
	}
	f.Logger.Info("transaction registered", "user_id", uid, "type", typ, "amount_cents", cents, "category", tx.CategoryName)

	return Result{Text: registeredText(tx)}, nil
}

func registeredText(tx *finance.Transaction) string {
	title := "✅ Gasto registrado!"
	if tx.Type == finance.Income {
		title = "✅ Entrada registrada!"
	}
	lines := []string{
		title,
		tx.CategoryEmoji + " " + categoryName(tx),
		"💲 " + brl.FormatCents(tx.AmountCents),
		"📅 " + brl.FormatDateShort(tx.Date),
	}
	if tx.Description != "" {
		lines = append(lines, "📝 "+tx.Description)
	}
	return strings.Join(lines, "\n")
}

func categoryName(tx *finance.Transaction) string {
	if tx.CategoryName == "" {
		return finance.UncategorizedTag
	}
	return tx.CategoryName
}

func descriptionOr(tx *finance.Transaction, fallback string) string {
	if tx.Description == "" {
		return fallback
	}
	return tx.Description
}

// txCard renders the block shown when asking to confirm a deletion.
func txCard(tx *finance.Transaction) string {
	return fmt.Sprintf("🆔 ID: %s\n• %s — %s\n• Data: %s\n• Categoria: %s",
		tx.ID, descriptionOr(tx, "Sem descrição"), brl.FormatCents(tx.AmountCents),
		brl.FormatDateShort(tx.Date), categoryName(tx))
}

// askDelete records a delete confirmation for tx and returns the prompt.
func askDelete(tx *finance.Transaction, header, question string) Result {
	payload, _ := json.Marshal(map[string]string{"transaction_id": tx.ID})
	return Result{
		Text:    header + "\n\n" + txCard(tx) + "\n\n" + question,
		Pending: &PendingConfirmation{Kind: PendingDelete, Payload: payload},
	}
}

func (f *financeTools) remove(ctx context.Context, args Args) (Result, error) {
	uid := args.String("user_id")
	id := args.String("lancamento_id")

	if id != "" {
		tx, err := f.Store.Transaction(ctx, id, uid)
		if errors.Is(err, finance.ErrNotFound) {
			return Result{Text: "❌ Lançamento não encontrado."}, nil
		}
		if err != nil {
			return Result{}, err
		}

		if !args.Bool("confirmar") {
			return askDelete(tx, "⚠️ Deseja realmente excluir este lançamento?",
				"Responda 'Sim' para confirmar a exclusão."), nil
		}

		if err := f.Store.DeleteTransaction(ctx, id, uid); err != nil {
			if errors.Is(err, finance.ErrNotFound) {
				return Result{Text: "❌ Lançamento não encontrado."}, nil
			}
			return Result{}, err
		}
		f.clearPending(ctx, uid)
		f.Logger.Info("transaction removed", "user_id", uid, "transaction_id", id)
		return Result{Text: fmt.Sprintf("🗑️ Lançamento removido com sucesso!\n• %s — %s\n• Data: %s\n• Categoria: %s",
			descriptionOr(tx, "Sem descrição"), brl.FormatCents(tx.AmountCents),
			brl.FormatDateShort(tx.Date), categoryName(tx))}, nil
	}

	if q := args.String("busca"); q != "" {
		found, err := f.Store.SearchTransactions(ctx, uid, q, 5)
		if err != nil {
			return Result{}, err
		}
		switch len(found) {
		case 0:
			return Result{Text: "❌ Nenhum lançamento encontrado com essa descrição."}, nil
		case 1:
			return askDelete(&found[0], "⚠️ Encontrei este lançamento:",
				"Deseja excluir? Responda 'Sim' para confirmar."), nil
		}

		lines := []string{"🔍 Encontrei estes lançamentos:\n"}
		for i := range found {
			tx := &found[i]
			lines = append(lines, fmt.Sprintf("%d. %s — %s (%s) 🆔 %s",
				i+1, descriptionOr(tx, "Sem descrição"), brl.FormatCents(tx.AmountCents),
				tx.Date.Format("02/01"), tx.ID))
		}
		lines = append(lines, "\nQual deseja remover? Me diga o número.")
		return Result{Text: strings.Join(lines, "\n")}, nil
	}

	last, err := f.Store.LastTransaction(ctx, uid)
	if errors.Is(err, finance.ErrNotFound) {
		return Result{Text: "❌ Você não tem nenhum lançamento registrado."}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return askDelete(last, "⚠️ Seu último lançamento foi:",
		"Deseja excluir este? Responda 'Sim' para confirmar."), nil
}

func (f *financeTools) edit(ctx context.Context, args Args) (Result, error) {
	uid := args.String("user_id")
	id := args.String("lancamento_id")
	if id == "" {
		return Result{}, errors.New("lancamento_id é obrigatório")
	}

	tx, err := f.Store.Transaction(ctx, id, uid)
	if errors.Is(err, finance.ErrNotFound) {
		return Result{Text: "❌ Lançamento não encontrado."}, nil
	}
	if err != nil {
		return Result{}, err
	}

	var (
		upd     finance.TransactionUpdate
		changes []string
	)
	if v, ok := args.Float("novo_valor"); ok {
		cents := brl.ToCents(v)
		if cents <= 0 {
			return Result{Text: "❌ O valor precisa ser maior que zero."}, nil
		}
		upd.AmountCents = &cents
		changes = append(changes, fmt.Sprintf("💲 Valor: %s → %s",
			brl.FormatCents(tx.AmountCents), brl.FormatCents(cents)))
	}
	if c := args.String("nova_categoria"); c != "" {
		upd.Category = &c
		changes = append(changes, fmt.Sprintf("🏷️ Categoria: %s → %s", categoryName(tx), c))
	}
	if d := args.String("nova_descricao"); d != "" {
		upd.Description = &d
		changes = append(changes, fmt.Sprintf("📝 Descrição: %s → %s", descriptionOr(tx, "(vazia)"), d))
	}
	if s := args.String("nova_data"); s != "" {
		d, ok := brl.ParseDate(s, f.today())
		if !ok {
			return Result{Text: invalidDate}, nil
		}
		upd.Date = &d
		changes = append(changes, fmt.Sprintf("📅 Data: %s → %s",
			brl.FormatDateShort(tx.Date), brl.FormatDateShort(d)))
	}

	if upd.Empty() {
		return Result{Text: "❌ Nenhuma alteração informada."}, nil
	}
	if err := f.Store.UpdateTransaction(ctx, id, uid, upd); err != nil {
		return Result{}, err
	}
	f.Logger.Info("transaction edited", "user_id", uid, "transaction_id", id, "changes", len(changes))

	return Result{Text: "✏️ Lançamento atualizado!\n\nAlterações:\n" + strings.Join(changes, "\n")}, nil
}
