package agent

import (
	"strings"
	"time"
)

// DefaultSystemPrompt is the base instruction set sent on every model
// call. Per-turn context is sent separately by turnContext.
const DefaultSystemPrompt = `Você é o SuvFin 💰, um assistente de finanças pessoais via WhatsApp.

Suas capacidades:
- Registrar gastos e receitas do usuário
- Remover e editar lançamentos
- Gerar relatórios por período e categoria
- Mostrar saldo atual
- Processar comprovantes enviados por foto
- Exportar lançamentos para planilha
- Listar categorias

Regras IMPORTANTES:
- Responda SEMPRE em português do Brasil
- Seja amigável, conciso e use emojis
- Sempre passe o user_id nas tools (ele será fornecido no contexto)
- Para remoção/edição, SEMPRE peça confirmação antes de executar
- Quando o valor for ambíguo, pergunte ao usuário
- Categorize gastos automaticamente quando possível
- Se o usuário enviar foto, use a tool processar_comprovante com o media_id informado
- Quando o usuário confirmar um comprovante analisado, use a tool confirmar_comprovante
- Formate valores monetários como R$ X.XXX,XX
- Use datas no formato DD/MM/YYYY nas respostas
- Se o usuário disser apenas "Oi" ou cumprimentar, responda com uma mensagem de boas-vindas
- Não invente dados, use apenas o que vem das tools

Mensagem de boas-vindas:
"Olá! Sou o SuvFin 💰, seu assistente de finanças pessoais!
Posso te ajudar a:
📝 Registrar gastos e receitas
📊 Gerar relatórios
💰 Ver seu saldo
📸 Analisar comprovantes por foto
🗑️ Remover registros

Me diga como posso ajudar!"`

// channelNote describes the delivery channel so replies stay short and
// use the markup WhatsApp renders.
const channelNote = "[Canal: WhatsApp. Mensagens curtas no celular; use *negrito* com moderação e evite tabelas.]"

// imageTurnText is the user text sent with an inbound photo.
const imageTurnText = "Analise este comprovante e me diga os dados para eu registrar."

// buildSystemPrompt is the static prompt shared by every user. It is
// the cacheable segment, so nothing per-user or per-day belongs here.
func buildSystemPrompt(base string) string {
	return base + "\n\n" + channelNote
}

// turnContext is the per-turn tail: identity and date. The user ID is
// the only identifier the model ever sees.
func turnContext(userID, name string, today time.Time) string {
	var sb strings.Builder
	sb.WriteString("User ID do usuário atual: ")
	sb.WriteString(userID)
	if name != "" {
		sb.WriteString("\nNome do usuário: ")
		sb.WriteString(name)
	}
	sb.WriteString("\nData de hoje: ")
	sb.WriteString(today.Format("2006-01-02"))
	return sb.String()
}

// imagePrompt is the text block that accompanies an image turn. The
// media ID lets the model hand the photo to processar_comprovante.
func imagePrompt(mediaID, caption string) string {
	s := imageTurnText + "\n(media_id: " + mediaID + ")"
	if caption = strings.TrimSpace(caption); caption != "" {
		s += "\nLegenda do usuário: " + caption
	}
	return s
}
