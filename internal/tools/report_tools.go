package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/suvfin/internal/brl"
	"github.com/nugget/suvfin/internal/export"
	"github.com/nugget/suvfin/internal/finance"
)

const maxRecent = 50

func registerReports(r *Registry, f *financeTools, userID map[string]any) {
	r.Register(&Tool{
		Name:        RelatorioPeriodo,
		Description: "Gera relatório financeiro por período (semana, mês, ano, ou datas específicas).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id":     userID,
				"periodo":     map[string]any{"type": "string", "description": "Ex: 'esta semana', 'janeiro 2026', 'últimos 30 dias'"},
				"data_inicio": map[string]any{"type": "string"},
				"data_fim":    map[string]any{"type": "string"},
			},
			"required": []string{"user_id"},
		},
		Handler: f.periodReport,
	})

	r.Register(&Tool{
		Name:        RelatorioCategoria,
		Description: "Gera relatório agrupado por categoria.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id":   userID,
				"categoria": map[string]any{"type": "string", "description": "Filtrar por categoria específica (opcional)"},
				"periodo":   map[string]any{"type": "string"},
			},
			"required": []string{"user_id"},
		},
		Handler: f.categoryReport,
	})

	r.Register(&Tool{
		Name:        SaldoAtual,
		Description: "Retorna o saldo atual do usuário (total de entradas - total de saídas).",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"user_id": userID},
			"required":   []string{"user_id"},
		},
		Handler: f.balance,
	})

	r.Register(&Tool{
		Name:        UltimosLancamentos,
		Description: "Lista os últimos lançamentos do usuário.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id":    userID,
				"quantidade": map[string]any{"type": "integer", "default": 5},
				"tipo":       map[string]any{"type": "string", "description": "INCOME, EXPENSE ou ambos"},
			},
			"required": []string{"user_id"},
		},
		Handler: f.recent,
	})

	r.Register(&Tool{
		Name:        ListarCategorias,
		Description: "Lista todas as categorias disponíveis para o usuário.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"user_id": userID},
			"required":   []string{"user_id"},
		},
		Handler: f.categories,
	})

	r.Register(&Tool{
		Name: ExportarRelatorio,
		Description: "Gera uma planilha Excel (XLSX) com os lançamentos de um período e envia ao usuário. " +
			"Use quando ele pedir para exportar, baixar ou receber uma planilha.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id":     userID,
				"periodo":     map[string]any{"type": "string", "description": "Ex: 'este mês', 'últimos 90 dias', 'ano'"},
				"data_inicio": map[string]any{"type": "string"},
				"data_fim":    map[string]any{"type": "string"},
			},
			"required": []string{"user_id"},
		},
		Handler: f.exportReport,
	})
}

func (f *financeTools) periodReport(ctx context.Context, args Args) (Result, error) {
	uid := args.String("user_id")
	start, end, ok := resolvePeriod(args, f.today())
	if !ok {
		return Result{Text: invalidDate}, nil
	}

	rep, err := f.Store.PeriodReport(ctx, uid, start, end)
	if err != nil {
		return Result{}, err
	}
	if rep.Count == 0 {
		return Result{Text: fmt.Sprintf("📊 Nenhum lançamento encontrado de %s.", periodLabel(start, end))}, nil
	}

	lines := []string{
		fmt.Sprintf("📊 *Relatório: %s*\n", periodLabel(start, end)),
		"🟢 Entradas: " + brl.FormatCents(rep.IncomeCents),
		"🔴 Saídas: " + brl.FormatCents(rep.ExpenseCents),
		"💰 Saldo: " + brl.FormatCents(rep.BalanceCents()) + "\n",
		fmt.Sprintf("📋 Total de lançamentos: %d\n", rep.Count),
	}
	if len(rep.ByCategory) > 0 {
		lines = append(lines, "📂 *Por categoria:*")
		for i, c := range rep.ByCategory {
			if i == 10 {
				break
			}
			lines = append(lines, fmt.Sprintf("  %s %s: %s (%dx)", c.Emoji, c.Name, brl.FormatCents(c.TotalCents), c.Count))
		}
	}
	return Result{Text: strings.Join(lines, "\n")}, nil
}

func (f *financeTools) categoryReport(ctx context.Context, args Args) (Result, error) {
	uid := args.String("user_id")
	filter := args.String("categoria")
	start, end := ParsePeriod(args.String("periodo"), f.today())

	cats, err := f.Store.CategoryReport(ctx, uid, start, end, filter)
	if err != nil {
		return Result{}, err
	}
	if len(cats) == 0 {
		return Result{Text: "📊 Nenhum lançamento encontrado para este período/categoria."}, nil
	}

	if filter != "" {
		c := cats[0]
		lines := []string{
			fmt.Sprintf("📊 *%s %s*\n", c.Emoji, c.Name),
			"💲 Total: " + brl.FormatCents(c.TotalCents),
			fmt.Sprintf("📋 Lançamentos: %d", c.Count),
			"📊 Média: " + brl.FormatCents(c.AverageCents) + "\n",
		}
		if len(c.Transactions) > 0 {
			lines = append(lines, "📝 *Últimos lançamentos:*")
			for i := range c.Transactions {
				tx := &c.Transactions[i]
				lines = append(lines, fmt.Sprintf("  • %s — %s (%s)",
					descriptionOr(tx, "Sem desc."), brl.FormatCents(tx.AmountCents), tx.Date.Format("02/01")))
			}
		}
		return Result{Text: strings.Join(lines, "\n")}, nil
	}

	lines := []string{
		"📊 *Gastos por Categoria*",
		"📅 " + periodLabel(start, end) + "\n",
	}
	for _, c := range cats {
		lines = append(lines, fmt.Sprintf("%s *%s*\n  %s (%.0f%%)\n  %s",
			c.Emoji, c.Name, brl.FormatCents(c.TotalCents), c.Percentage, bar(c.Percentage)))
	}
	return Result{Text: strings.Join(lines, "\n")}, nil
}

// bar renders a ten-cell percentage bar.
func bar(pct float64) string {
	n := min(max(int(pct/100*10), 0), 10)
	return strings.Repeat("█", n) + strings.Repeat("░", 10-n)
}

func (f *financeTools) balance(ctx context.Context, args Args) (Result, error) {
	b, err := f.Store.Balance(ctx, args.String("user_id"))
	if err != nil {
		return Result{}, err
	}
	saldo := b.BalanceCents()
	trend, mark := "📈", "💰"
	if saldo < 0 {
		trend, mark = "📉", "⚠️"
	}
	return Result{Text: fmt.Sprintf("%s *Seu Saldo Atual*\n\n🟢 Total de Entradas: %s\n🔴 Total de Saídas: %s\n%s Saldo: %s",
		trend, brl.FormatCents(b.IncomeCents), brl.FormatCents(b.ExpenseCents), mark, brl.FormatCents(saldo))}, nil
}

func (f *financeTools) recent(ctx context.Context, args Args) (Result, error) {
	n := min(max(args.Int("quantidade", 5), 1), maxRecent)
	typ, _ := finance.ParseTxType(args.String("tipo"))

	txs, err := f.Store.RecentTransactions(ctx, args.String("user_id"), n, typ)
	if err != nil {
		return Result{}, err
	}
	if len(txs) == 0 {
		return Result{Text: "📋 Nenhum lançamento encontrado."}, nil
	}

	lines := []string{fmt.Sprintf("📋 *Últimos %d lançamentos:*\n", len(txs))}
	for i := range txs {
		tx := &txs[i]
		dot, sign := "🔴", "-"
		if tx.Type == finance.Income {
			dot, sign = "🟢", "+"
		}
		lines = append(lines, fmt.Sprintf("%d. %s %s%s — %s %s\n   📝 %s | 📅 %s",
			i+1, dot, sign, brl.FormatCents(tx.AmountCents), tx.CategoryEmoji, categoryName(tx),
			descriptionOr(tx, "Sem descrição"), brl.FormatDateShort(tx.Date)))
	}
	return Result{Text: strings.Join(lines, "\n")}, nil
}

func (f *financeTools) categories(ctx context.Context, args Args) (Result, error) {
	cats, err := f.Store.Categories(ctx, args.String("user_id"))
	if err != nil {
		return Result{}, err
	}
	if len(cats) == 0 {
		return Result{Text: "📂 Nenhuma categoria encontrada."}, nil
	}
	lines := []string{"📂 *Categorias disponíveis:*\n"}
	for _, c := range cats {
		lines = append(lines, "  "+c.Emoji+" "+c.Name)
	}
	return Result{Text: strings.Join(lines, "\n")}, nil
}

func (f *financeTools) exportReport(ctx context.Context, args Args) (Result, error) {
	uid := args.String("user_id")
	start, end, ok := resolvePeriod(args, f.today())
	if !ok {
		return Result{Text: invalidDate}, nil
	}

	rep, err := f.Store.PeriodReport(ctx, uid, start, end)
	if err != nil {
		return Result{}, err
	}
	if rep.Count == 0 {
		return Result{Text: fmt.Sprintf("📊 Nenhum lançamento encontrado de %s. Nada para exportar.", periodLabel(start, end))}, nil
	}
	txs, err := f.Store.TransactionsBetween(ctx, uid, start, end)
	if err != nil {
		return Result{}, err
	}
	data, err := export.Workbook(rep, txs)
	if err != nil {
		return Result{}, fmt.Errorf("build workbook: %w", err)
	}

	f.Logger.Info("report exported", "user_id", uid, "transactions", len(txs), "bytes", len(data))
	return Result{
		Text: fmt.Sprintf("📎 Planilha de %s gerada com %d lançamentos. Vou enviar o arquivo em seguida.",
			periodLabel(start, end), len(txs)),
		Media: &Media{Data: data, MIME: export.MIME, Filename: export.Filename(start, end)},
	}, nil
}
