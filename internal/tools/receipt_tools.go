package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/suvfin/internal/brl"
	"github.com/nugget/suvfin/internal/finance"
	"github.com/nugget/suvfin/internal/llm"
)

const receiptPrompt = `Analise esta imagem de comprovante financeiro (pode ser cupom fiscal,
comprovante Pix, transferência bancária, boleto, nota fiscal, recibo, extrato, etc).

Extraia as seguintes informações e retorne APENAS um JSON válido, sem markdown:

{
    "valor": 0.00,
    "estabelecimento": "Nome da loja/pessoa",
    "data": "YYYY-MM-DD",
    "categoria_sugerida": "alimentação|transporte|saúde|lazer|educação|moradia|serviços|vestuário|outros",
    "tipo": "EXPENSE|INCOME",
    "descricao": "Breve descrição do que se trata",
    "confianca": "alta|media|baixa"
}

Regras:
- Se não conseguir identificar algum campo, use null
- "confianca" indica quão certo você está da extração
- Se for recebimento (Pix recebido, depósito, salário), tipo = "INCOME"
- Se for pagamento/compra, tipo = "EXPENSE"
- Valor sempre como número decimal (sem R$, sem pontos de milhar)
- Data no formato YYYY-MM-DD`

// Amount accepts a JSON number or a string such as "89,90".
type Amount float64

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*a = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, _ := brl.Parse(s)
		*a = Amount(v)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*a = Amount(f)
	return nil
}

// Receipt holds the fields extracted from a receipt image.
type Receipt struct {
	Valor             Amount `json:"valor"`
	Estabelecimento   string `json:"estabelecimento,omitempty"`
	Data              string `json:"data,omitempty"`
	CategoriaSugerida string `json:"categoria_sugerida,omitempty"`
	Tipo              string `json:"tipo,omitempty"`
	Descricao         string `json:"descricao,omitempty"`
	Confianca         string `json:"confianca,omitempty"`
}

// ParseReceipt decodes the model's JSON answer, tolerating a markdown
// code fence around it.
func ParseReceipt(raw string) (*Receipt, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		if j := strings.LastIndex(s, "```"); j >= 0 {
			s = s[:j]
		}
		s = strings.TrimSpace(s)
	}
	var r Receipt
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, nil
}

func (r *Receipt) txType() finance.TxType {
	if t, ok := finance.ParseTxType(r.Tipo); ok {
		return t
	}
	return finance.Expense
}

func (r *Receipt) description() string {
	if r.Descricao != "" {
		return r.Descricao
	}
	return r.Estabelecimento
}

var confidenceMarks = map[string]string{"alta": "🟢", "media": "🟡", "baixa": "🔴"}

// summary renders the extraction for the user to confirm.
func (r *Receipt) summary() string {
	mark, ok := confidenceMarks[strings.ToLower(r.Confianca)]
	if !ok {
		mark = "🔴"
	}
	label := "💰 Entrada"
	if r.txType() == finance.Expense {
		label = "💸 Gasto"
	}

	lines := []string{
		"📸 Comprovante analisado! " + mark,
		"",
		label,
		"💲 Valor: " + brl.Format(float64(r.Valor)),
	}
	if r.Estabelecimento != "" {
		lines = append(lines, "🏪 Local: "+r.Estabelecimento)
	}
	if d, err := time.Parse(brl.DateLayout, r.Data); err == nil {
		lines = append(lines, "📅 Data: "+brl.FormatDateShort(d))
	}
	if r.CategoriaSugerida != "" {
		lines = append(lines, "🏷️ Categoria: "+finance.TitleCase(r.CategoriaSugerida))
	}
	if r.Descricao != "" {
		lines = append(lines, "📝 "+r.Descricao)
	}
	lines = append(lines, "", "✅ Confirma o registro? (Sim/Não)", "✏️ Ou me diga o que corrigir.")
	return strings.Join(lines, "\n")
}

func registerReceipts(r *Registry, f *financeTools, userID map[string]any) {
	r.Register(&Tool{
		Name: ProcessarComprovante,
		Description: "Processa uma imagem de comprovante enviada pelo usuário. " +
			"Extrai valor, estabelecimento, data e categoria usando IA Vision.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id":  userID,
				"media_id": map[string]any{"type": "string", "description": "ID da mídia no WhatsApp"},
			},
			"required": []string{"user_id", "media_id"},
		},
		Handler: f.processReceipt,
	})

	r.Register(&Tool{
		Name: ConfirmarComprovante,
		Description: "Registra o comprovante analisado pendente depois que o usuário confirmar (Sim). " +
			"Aceita correções opcionais; use cancelar=true se o usuário recusar.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id":   userID,
				"valor":     map[string]any{"type": "number", "description": "Valor corrigido (opcional)"},
				"categoria": map[string]any{"type": "string", "description": "Categoria corrigida (opcional)"},
				"descricao": map[string]any{"type": "string", "description": "Descrição corrigida (opcional)"},
				"data":      map[string]any{"type": "string", "description": "Data corrigida YYYY-MM-DD (opcional)"},
				"tipo":      map[string]any{"type": "string", "description": "EXPENSE ou INCOME (opcional)"},
				"cancelar":  map[string]any{"type": "boolean", "description": "Descarta o comprovante pendente"},
			},
			"required": []string{"user_id"},
		},
		Handler: f.confirmReceipt,
	})
}

func (f *financeTools) processReceipt(ctx context.Context, args Args) (Result, error) {
	uid := args.String("user_id")
	mediaID := args.String("media_id")
	if mediaID == "" {
		return Result{}, errors.New("media_id é obrigatório")
	}
	if f.Media == nil || f.Vision == nil {
		return Result{}, errors.New("análise de comprovantes indisponível")
	}

	img, err := f.Media.DownloadMedia(ctx, mediaID)
	if err != nil {
		f.Logger.Error("receipt download failed", "media_id", mediaID, "error", err)
		return Result{Text: "❌ Não consegui baixar a imagem. Tente enviar novamente."}, nil
	}

	maxTokens := f.VisionMaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	resp, err := f.Vision.Chat(ctx, llm.Request{
		Model:     f.VisionModel,
		MaxTokens: maxTokens,
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: []llm.ContentBlock{
				llm.ImageBlock(llm.DetectImageType(img), img),
				llm.TextBlock(receiptPrompt),
			},
		}},
	})
	if err != nil {
		f.Logger.Error("receipt analysis failed", "media_id", mediaID, "error", err)
		return Result{Text: "❌ Não consegui analisar a imagem no momento. " +
			"Tente novamente ou me diga o valor manualmente."}, nil
	}
	if f.RecordUsage != nil {
		f.RecordUsage(ctx, resp.Model, resp.Usage)
	}

	rec, err := ParseReceipt(resp.Text())
	if err != nil {
		f.Logger.Warn("receipt answer is not JSON", "media_id", mediaID, "answer", resp.Text())
		return Result{Text: "❌ Não consegui interpretar este comprovante. " +
			"Tente enviar uma foto mais nítida ou me diga o valor manualmente."}, nil
	}
	if rec.Valor <= 0 {
		return Result{Text: "🤔 Consegui ver a imagem mas não identifiquei o valor. Pode me dizer quanto foi?"}, nil
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return Result{}, fmt.Errorf("encode receipt: %w", err)
	}
	f.Logger.Info("receipt analyzed", "user_id", uid, "amount", float64(rec.Valor), "confidence", rec.Confianca)
	return Result{
		Text:    rec.summary(),
		Pending: &PendingConfirmation{Kind: PendingReceipt, Payload: payload},
	}, nil
}

func (f *financeTools) confirmReceipt(ctx context.Context, args Args) (Result, error) {
	uid := args.String("user_id")
	if f.Pending == nil {
		return Result{}, errors.New("confirmações indisponíveis")
	}

	p, err := f.Pending.Load(ctx, uid)
	if err != nil {
		return Result{}, err
	}
	if p == nil || p.Kind != PendingReceipt {
		return Result{Text: "❌ Nenhum comprovante pendente de confirmação."}, nil
	}

	if args.Bool("cancelar") {
		f.clearPending(ctx, uid)
		return Result{Text: "🗑️ Comprovante descartado."}, nil
	}

	var rec Receipt
	if err := json.Unmarshal(p.Payload, &rec); err != nil {
		return Result{}, fmt.Errorf("decode pending receipt: %w", err)
	}

	amount := float64(rec.Valor)
	if v, ok := args.Float("valor"); ok {
		amount = v
	}
	typ := rec.txType()
	if t, ok := finance.ParseTxType(args.String("tipo")); ok {
		typ = t
	}
	category := rec.CategoriaSugerida
	if c := args.String("categoria"); c != "" {
		category = c
	}
	desc := rec.description()
	if d := args.String("descricao"); d != "" {
		desc = d
	}
	dateText := ""
	if _, err := time.Parse(brl.DateLayout, rec.Data); err == nil {
		dateText = rec.Data
	}
	if d := args.String("data"); d != "" {
		dateText = d
	}

	res, err := f.register(ctx, Args{
		"user_id":   uid,
		"valor":     amount,
		"categoria": category,
		"descricao": desc,
		"data":      dateText,
	}, typ)
	if err != nil {
		return Result{}, err
	}
	if !strings.HasPrefix(res.Text, "✅") {
		return res, nil
	}

	f.clearPending(ctx, uid)
	f.Logger.Info("receipt confirmed", "user_id", uid, "type", typ)
	return Result{Text: "📸 " + res.Text}, nil
}
