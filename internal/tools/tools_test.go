package tools

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nugget/suvfin/internal/finance"
	"github.com/nugget/suvfin/internal/kvstore"
	"github.com/nugget/suvfin/internal/license"
	"github.com/nugget/suvfin/internal/llm"
)

var testToday = time.Date(2026, 2, 13, 15, 30, 0, 0, time.UTC)

type fakeLimits struct {
	check license.LimitCheck
	err   error
}

func (f *fakeLimits) CheckTransactionLimit(context.Context, string) (license.LimitCheck, error) {
	return f.check, f.err
}

type fakeMedia struct {
	data []byte
	err  error
}

func (f *fakeMedia) DownloadMedia(context.Context, string) ([]byte, error) {
	return f.data, f.err
}

type fakeVision struct {
	answer string
	err    error
	reqs   []llm.Request
}

func (f *fakeVision) Chat(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{
		Model:      req.Model,
		StopReason: llm.StopEndTurn,
		Content:    []llm.ContentBlock{llm.TextBlock(f.answer)},
		Usage:      llm.Usage{InputTokens: 1200, OutputTokens: 80},
	}, nil
}

type testEnv struct {
	store   *finance.Store
	pending *PendingStore
	reg     *Registry
	deps    Deps
	userID  string
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()

	db, err := finance.OpenDB(filepath.Join(t.TempDir(), "suvfin.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := finance.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	mr := miniredis.RunT(t)
	kv := kvstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { kv.Close() })

	u := &finance.User{Phone: "5511999990000", Name: "Ana"}
	if err := store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	deps := Deps{
		Store:    store,
		Pending:  &PendingStore{Store: kv},
		Location: time.UTC,
		Now:      func() time.Time { return testToday },
		Logger:   slog.Default(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &testEnv{
		store:   store,
		pending: deps.Pending,
		reg:     NewFinanceRegistry(deps),
		deps:    deps,
		userID:  u.ID,
	}
}

func (e *testEnv) run(t *testing.T, name Name, input map[string]any) Result {
	t.Helper()
	if input == nil {
		input = map[string]any{}
	}
	if _, ok := input["user_id"]; !ok {
		input["user_id"] = e.userID
	}
	return e.reg.Execute(context.Background(), string(name), input)
}

func TestRegistry_Definitions(t *testing.T) {
	env := newTestEnv(t, nil)

	defs := env.reg.Definitions()
	want := []Name{
		RegistrarGasto, RegistrarEntrada, RemoverLancamento, EditarLancamento,
		RelatorioPeriodo, RelatorioCategoria, SaldoAtual, UltimosLancamentos,
		ListarCategorias, ExportarRelatorio, ProcessarComprovante, ConfirmarComprovante,
	}
	if len(defs) != len(want) {
		t.Fatalf("got %d definitions, want %d", len(defs), len(want))
	}
	for i, n := range want {
		if defs[i].Name != string(n) {
			t.Errorf("definition %d = %q, want %q", i, defs[i].Name, n)
		}
		if defs[i].InputSchema["type"] != "object" {
			t.Errorf("%s schema type = %v", n, defs[i].InputSchema["type"])
		}
	}

	// Stable across calls.
	again := env.reg.Definitions()
	for i := range defs {
		if defs[i].Name != again[i].Name {
			t.Fatalf("definition order changed at %d", i)
		}
	}
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry(slog.Default())
	r.Register(&Tool{
		Name: "falha",
		Handler: func(context.Context, Args) (Result, error) {
			return Result{}, errors.New("banco indisponível")
		},
	})
	r.Register(&Tool{
		Name: "panico",
		Handler: func(context.Context, Args) (Result, error) {
			panic("boom")
		},
	})
	r.Register(&Tool{
		Name: "eco",
		Handler: func(_ context.Context, args Args) (Result, error) {
			return Result{Text: args.String("user_id")}, nil
		},
	})

	ctx := context.Background()
	tests := []struct {
		name    string
		ctx     context.Context
		tool    string
		input   map[string]any
		want    string
		wantErr bool
	}{
		{"unknown tool", ctx, "pagar_boleto", nil, "Tool 'pagar_boleto' não encontrada.", true},
		{"handler error", ctx, "falha", nil, "Erro ao executar falha: banco indisponível", true},
		{"handler panic", ctx, "panico", nil, "Erro ao executar panico: boom", true},
		{"model user id without binding", ctx, "eco", map[string]any{"user_id": "u-model"}, "u-model", false},
		{"bound user wins", WithUserID(ctx, "u-real"), "eco", map[string]any{"user_id": "u-other"}, "u-real", false},
		{"bound user fills missing", WithUserID(ctx, "u-real"), "eco", nil, "u-real", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Execute(tt.ctx, tt.tool, tt.input)
			if res.Text != tt.want {
				t.Errorf("Text = %q, want %q", res.Text, tt.want)
			}
			if res.IsError != tt.wantErr {
				t.Errorf("IsError = %v, want %v", res.IsError, tt.wantErr)
			}
		})
	}
}

func TestRegistry_ExecuteDoesNotMutateInput(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&Tool{Name: "eco", Handler: func(_ context.Context, a Args) (Result, error) {
		return Result{Text: a.String("user_id")}, nil
	}})
	input := map[string]any{"user_id": "u-model"}
	r.Execute(WithUserID(context.Background(), "u-real"), "eco", input)
	if input["user_id"] != "u-model" {
		t.Errorf("input mutated: %v", input)
	}
}

func TestArgs(t *testing.T) {
	a := Args{
		"f":     50.5,
		"s":     " 89,90 ",
		"i":     float64(7),
		"istr":  "12",
		"b":     true,
		"bstr":  "sim",
		"null":  nil,
		"plain": "45",
	}

	if v, ok := a.Float("f"); !ok || v != 50.5 {
		t.Errorf("Float(f) = %v, %v", v, ok)
	}
	if v, ok := a.Float("s"); !ok || v != 89.90 {
		t.Errorf("Float(s) = %v, %v", v, ok)
	}
	if v, ok := a.Float("plain"); !ok || v != 45 {
		t.Errorf("Float(plain) = %v, %v", v, ok)
	}
	if _, ok := a.Float("missing"); ok {
		t.Error("Float(missing) ok")
	}
	if got := a.Int("i", 5); got != 7 {
		t.Errorf("Int(i) = %d", got)
	}
	if got := a.Int("istr", 5); got != 12 {
		t.Errorf("Int(istr) = %d", got)
	}
	if got := a.Int("missing", 5); got != 5 {
		t.Errorf("Int(missing) = %d", got)
	}
	if !a.Bool("b") || !a.Bool("bstr") || a.Bool("missing") {
		t.Error("Bool coercion wrong")
	}
	if a.Has("null") || !a.Has("f") {
		t.Error("Has wrong")
	}
	if got := a.String("f"); got != "50.5" {
		t.Errorf("String(f) = %q", got)
	}
	if got := a.String("s"); got != "89,90" {
		t.Errorf("String(s) = %q", got)
	}
}

func TestParsePeriod(t *testing.T) {
	day := func(m time.Month, d int) time.Time { return time.Date(2026, m, d, 0, 0, 0, 0, time.UTC) }
	tests := []struct {
		period     string
		start, end time.Time
	}{
		{"hoje", day(2, 13), day(2, 13)},
		{"ontem", day(2, 12), day(2, 12)},
		{"esta semana", day(2, 9), day(2, 13)},
		{"este mês", day(2, 1), day(2, 13)},
		{"mes passado", day(2, 1), day(2, 13)},
		{"este ano", day(1, 1), day(2, 13)},
		{"últimos 30 dias", day(1, 14), day(2, 13)},
		{"ultimos 7 dias", day(2, 6), day(2, 13)},
		{"", day(2, 1), day(2, 13)},
		{"qualquer coisa", day(2, 1), day(2, 13)},
	}
	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			s, e := ParsePeriod(tt.period, testToday)
			if !s.Equal(tt.start) || !e.Equal(tt.end) {
				t.Errorf("ParsePeriod(%q) = %s..%s, want %s..%s", tt.period,
					s.Format("2006-01-02"), e.Format("2006-01-02"),
					tt.start.Format("2006-01-02"), tt.end.Format("2006-01-02"))
			}
		})
	}
}

func TestRegistrarGasto(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.run(t, RegistrarGasto, map[string]any{
		"valor": 50.0, "categoria": "alimentação", "descricao": "almoço",
	})
	for _, want := range []string{"✅ Gasto registrado!", "🍔 Alimentação", "💲 R$ 50,00", "📅 13/02/2026", "📝 almoço"} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("result missing %q:\n%s", want, res.Text)
		}
	}

	txs, err := env.store.RecentTransactions(context.Background(), env.userID, 5, "")
	if err != nil || len(txs) != 1 {
		t.Fatalf("RecentTransactions = %v, %v", txs, err)
	}
	if txs[0].AmountCents != 5000 || txs[0].Type != finance.Expense {
		t.Errorf("stored %+v", txs[0])
	}
}

func TestRegistrar_Defaults(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.run(t, RegistrarGasto, map[string]any{"valor": "12,50"})
	if !strings.Contains(res.Text, "📦 Outros") || !strings.Contains(res.Text, "R$ 12,50") {
		t.Errorf("gasto default category:\n%s", res.Text)
	}

	res = env.run(t, RegistrarEntrada, map[string]any{"valor": 3000, "data": "2026-02-05"})
	for _, want := range []string{"✅ Entrada registrada!", "💼 Salário", "R$ 3.000,00", "05/02/2026"} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("entrada missing %q:\n%s", want, res.Text)
		}
	}
}

func TestRegistrar_Invalid(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name  string
		input map[string]any
		want  string
	}{
		{"zero", map[string]any{"valor": 0}, "❌ O valor precisa ser maior que zero."},
		{"negative", map[string]any{"valor": -10}, "❌ O valor precisa ser maior que zero."},
		{"missing", map[string]any{}, "❌ O valor precisa ser maior que zero."},
		{"bad date", map[string]any{"valor": 10, "data": "31/02/2026"}, invalidDate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := env.run(t, RegistrarGasto, tt.input); res.Text != tt.want {
				t.Errorf("Text = %q, want %q", res.Text, tt.want)
			}
		})
	}

	n, _ := env.store.CountTransactions(context.Background(), env.userID)
	if n != 0 {
		t.Errorf("stored %d transactions from invalid input", n)
	}
}

func TestRegistrar_LimitReached(t *testing.T) {
	limits := &fakeLimits{check: license.LimitCheck{Reason: "Você atingiu o limite de 50 lançamentos do seu plano."}}
	env := newTestEnv(t, func(d *Deps) { d.Limits = limits })

	res := env.run(t, RegistrarGasto, map[string]any{"valor": 10})
	if !strings.HasPrefix(res.Text, "⚠️ Você atingiu o limite") {
		t.Errorf("Text = %q", res.Text)
	}

	limits.check = license.LimitCheck{Allowed: true}
	res = env.run(t, RegistrarGasto, map[string]any{"valor": 10})
	if !strings.HasPrefix(res.Text, "✅") {
		t.Errorf("allowed Text = %q", res.Text)
	}
}

func TestRegistrar_ConcurrentRoundRespectsLimit(t *testing.T) {
	// Every pre-check sees an empty ledger, as happens when a tool round
	// runs all its registrations at once.
	limits := &fakeLimits{check: license.LimitCheck{Allowed: true, Limit: 3}}
	env := newTestEnv(t, func(d *Deps) { d.Limits = limits })

	const calls = 6
	results := make([]Result, calls)
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = env.reg.Execute(context.Background(), string(RegistrarGasto),
				map[string]any{"user_id": env.userID, "valor": 10 + i})
		}()
	}
	wg.Wait()

	var ok, refused int
	for _, res := range results {
		switch {
		case strings.HasPrefix(res.Text, "✅"):
			ok++
		case strings.HasPrefix(res.Text, "⚠️ Você atingiu o limite de 3"):
			refused++
		default:
			t.Errorf("unexpected result %q", res.Text)
		}
	}
	if ok != 3 || refused != 3 {
		t.Errorf("registered %d, refused %d; want 3 and 3", ok, refused)
	}
	if n, _ := env.store.CountTransactions(context.Background(), env.userID); n != 3 {
		t.Errorf("stored %d transactions, want 3", n)
	}
}

func TestRemoverLancamento(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	res := env.run(t, RemoverLancamento, nil)
	if res.Text != "❌ Você não tem nenhum lançamento registrado." {
		t.Errorf("empty = %q", res.Text)
	}

	env.run(t, RegistrarGasto, map[string]any{"valor": 30, "descricao": "mercado"})
	env.run(t, RegistrarGasto, map[string]any{"valor": 12, "descricao": "uber"})

	res = env.run(t, RemoverLancamento, nil)
	if !strings.Contains(res.Text, "Seu último lançamento foi") || !strings.Contains(res.Text, "uber — R$ 12,00") {
		t.Errorf("last = %q", res.Text)
	}
	if res.Pending == nil || res.Pending.Kind != PendingDelete {
		t.Fatalf("Pending = %+v, want delete", res.Pending)
	}

	res = env.run(t, RemoverLancamento, map[string]any{"busca": "MERC"})
	if !strings.Contains(res.Text, "Encontrei este lançamento") {
		t.Errorf("search = %q", res.Text)
	}

	res = env.run(t, RemoverLancamento, map[string]any{"busca": "pizza"})
	if res.Text != "❌ Nenhum lançamento encontrado com essa descrição." {
		t.Errorf("search miss = %q", res.Text)
	}

	last, _ := env.store.LastTransaction(ctx, env.userID)
	res = env.run(t, RemoverLancamento, map[string]any{"lancamento_id": last.ID})
	if !strings.Contains(res.Text, "Deseja realmente excluir") {
		t.Errorf("ask = %q", res.Text)
	}
	if n, _ := env.store.CountTransactions(ctx, env.userID); n != 2 {
		t.Fatalf("deleted without confirmation, count = %d", n)
	}

	res = env.run(t, RemoverLancamento, map[string]any{"lancamento_id": last.ID, "confirmar": true})
	if !strings.HasPrefix(res.Text, "🗑️ Lançamento removido com sucesso!") {
		t.Errorf("confirm = %q", res.Text)
	}
	if n, _ := env.store.CountTransactions(ctx, env.userID); n != 1 {
		t.Errorf("count after delete = %d, want 1", n)
	}

	res = env.run(t, RemoverLancamento, map[string]any{"lancamento_id": last.ID, "confirmar": true})
	if res.Text != "❌ Lançamento não encontrado." {
		t.Errorf("second delete = %q", res.Text)
	}
}

func TestRemoverLancamento_OtherUser(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.run(t, RegistrarGasto, map[string]any{"valor": 30})
	tx, _ := env.store.LastTransaction(ctx, env.userID)

	other := &finance.User{Phone: "5511888880000", Name: "Bia"}
	if err := env.store.CreateUser(ctx, other); err != nil {
		t.Fatal(err)
	}
	res := env.reg.Execute(WithUserID(ctx, other.ID), string(RemoverLancamento), map[string]any{
		"user_id": env.userID, "lancamento_id": tx.ID, "confirmar": true,
	})
	if res.Text != "❌ Lançamento não encontrado." {
		t.Errorf("cross-user delete = %q", res.Text)
	}
	if n, _ := env.store.CountTransactions(ctx, env.userID); n != 1 {
		t.Errorf("owner lost a transaction")
	}
}

func TestEditarLancamento(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.run(t, RegistrarGasto, map[string]any{"valor": 30, "descricao": "mercado", "categoria": "Alimentação"})
	tx, _ := env.store.LastTransaction(ctx, env.userID)

	res := env.run(t, EditarLancamento, map[string]any{"lancamento_id": tx.ID})
	if res.Text != "❌ Nenhuma alteração informada." {
		t.Errorf("no changes = %q", res.Text)
	}

	res = env.run(t, EditarLancamento, map[string]any{
		"lancamento_id":  tx.ID,
		"novo_valor":     45.9,
		"nova_categoria": "lazer",
		"nova_data":      "2026-02-10",
	})
	for _, want := range []string{"✏️ Lançamento atualizado!", "💲 Valor: R$ 30,00 → R$ 45,90", "🏷️ Categoria: Alimentação → lazer", "📅 Data: 13/02/2026 → 10/02/2026"} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("missing %q:\n%s", want, res.Text)
		}
	}

	got, _ := env.store.Transaction(ctx, tx.ID, env.userID)
	if got.AmountCents != 4590 || got.CategoryName != "Lazer" {
		t.Errorf("stored %+v", got)
	}

	res = env.run(t, EditarLancamento, map[string]any{"lancamento_id": "nope", "novo_valor": 1})
	if res.Text != "❌ Lançamento não encontrado." {
		t.Errorf("unknown = %q", res.Text)
	}

	res = env.run(t, EditarLancamento, map[string]any{})
	if !res.IsError || !strings.Contains(res.Text, "lancamento_id é obrigatório") {
		t.Errorf("missing id = %+v", res)
	}
}

func TestReports(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.run(t, RelatorioPeriodo, nil)
	if res.Text != "📊 Nenhum lançamento encontrado de 01/02 a 13/02/2026." {
		t.Errorf("empty report = %q", res.Text)
	}

	env.run(t, RegistrarEntrada, map[string]any{"valor": 1000})
	env.run(t, RegistrarGasto, map[string]any{"valor": 200, "categoria": "Alimentação", "descricao": "mercado"})
	env.run(t, RegistrarGasto, map[string]any{"valor": 50, "categoria": "Transporte"})

	res = env.run(t, RelatorioPeriodo, map[string]any{"periodo": "este mês"})
	for _, want := range []string{
		"📊 *Relatório: 01/02 a 13/02/2026*",
		"🟢 Entradas: R$ 1.000,00",
		"🔴 Saídas: R$ 250,00",
		"💰 Saldo: R$ 750,00",
		"📋 Total de lançamentos: 3",
		"🍔 Alimentação: R$ 200,00 (1x)",
	} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("period report missing %q:\n%s", want, res.Text)
		}
	}

	res = env.run(t, RelatorioPeriodo, map[string]any{"data_inicio": "2026-02-14", "data_fim": "2026-02-20"})
	if !strings.Contains(res.Text, "Nenhum lançamento") {
		t.Errorf("explicit window = %q", res.Text)
	}
	res = env.run(t, RelatorioPeriodo, map[string]any{"data_inicio": "ontem?", "data_fim": "2026-02-20"})
	if res.Text != invalidDate {
		t.Errorf("bad explicit date = %q", res.Text)
	}

	res = env.run(t, RelatorioCategoria, nil)
	for _, want := range []string{"📊 *Gastos por Categoria*", "🍔 *Alimentação*", "R$ 200,00 (80%)", "████████░░"} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("category report missing %q:\n%s", want, res.Text)
		}
	}

	res = env.run(t, RelatorioCategoria, map[string]any{"categoria": "alim"})
	for _, want := range []string{"📊 *🍔 Alimentação*", "💲 Total: R$ 200,00", "📋 Lançamentos: 1", "• mercado — R$ 200,00 (13/02)"} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("filtered report missing %q:\n%s", want, res.Text)
		}
	}

	res = env.run(t, SaldoAtual, nil)
	if !strings.HasPrefix(res.Text, "📈 *Seu Saldo Atual*") || !strings.Contains(res.Text, "💰 Saldo: R$ 750,00") {
		t.Errorf("balance = %q", res.Text)
	}

	res = env.run(t, UltimosLancamentos, map[string]any{"quantidade": 2, "tipo": "EXPENSE"})
	if !strings.Contains(res.Text, "Últimos 2 lançamentos") || strings.Contains(res.Text, "🟢") {
		t.Errorf("recent = %q", res.Text)
	}
	if !strings.Contains(res.Text, "🔴 -R$ 50,00 — 🚗 Transporte") {
		t.Errorf("recent missing newest expense:\n%s", res.Text)
	}

	res = env.run(t, ListarCategorias, nil)
	if !strings.HasPrefix(res.Text, "📂 *Categorias disponíveis:*") || !strings.Contains(res.Text, "💻 Freelance") {
		t.Errorf("categories = %q", res.Text)
	}
}

func TestSaldoNegative(t *testing.T) {
	env := newTestEnv(t, nil)
	env.run(t, RegistrarGasto, map[string]any{"valor": 80})

	res := env.run(t, SaldoAtual, nil)
	if !strings.HasPrefix(res.Text, "📉") || !strings.Contains(res.Text, "⚠️ Saldo: -R$ 80,00") {
		t.Errorf("negative balance = %q", res.Text)
	}
}

func TestExportarRelatorio(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.run(t, ExportarRelatorio, nil)
	if res.Media != nil || !strings.Contains(res.Text, "Nada para exportar") {
		t.Errorf("empty export = %+v", res)
	}

	env.run(t, RegistrarGasto, map[string]any{"valor": 10})
	res = env.run(t, ExportarRelatorio, map[string]any{"periodo": "mês"})
	if res.Media == nil {
		t.Fatalf("no media: %q", res.Text)
	}
	if res.Media.Filename != "suvfin_20260201_20260213.xlsx" {
		t.Errorf("Filename = %q", res.Media.Filename)
	}
	if len(res.Media.Data) < 4 || string(res.Media.Data[:2]) != "PK" {
		t.Error("media is not a zip container")
	}
}

func TestBar(t *testing.T) {
	tests := []struct {
		pct  float64
		want string
	}{
		{0, "░░░░░░░░░░"},
		{55, "█████░░░░░"},
		{100, "██████████"},
		{140, "██████████"},
	}
	for _, tt := range tests {
		if got := bar(tt.pct); got != tt.want {
			t.Errorf("bar(%v) = %q, want %q", tt.pct, got, tt.want)
		}
	}
}
