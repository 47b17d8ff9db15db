// Package router picks the light or full model tier for each turn.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Tier is a cost/capability class of the reasoning provider.
type Tier string

const (
	TierLight Tier = "light"
	TierFull  Tier = "full"
)

// Routing rules, recorded on every Decision.
const (
	RuleImage          = "image"
	RulePending        = "pending_confirmation"
	RuleGreeting       = "greeting"
	RuleShortText      = "short_text"
	RuleFinanceKeyword = "finance_keyword"
	RuleFewWords       = "few_words"
	RuleDefault        = "default_full"
)

// Policy is the immutable routing configuration. Build it once at
// startup and share it by pointer.
type Policy struct {
	LightModel string
	FullModel  string

	// Greetings are whole-message tokens (after trimming punctuation)
	// that go to the light tier.
	Greetings map[string]struct{}
	// FinanceKeywords are substrings that force the full tier.
	FinanceKeywords []string
	// IncapablePhrases mark a light-tier answer that should be retried
	// on the full tier.
	IncapablePhrases []string

	// MaxShortChars: texts this short (in runes) go light.
	MaxShortChars int
	// MaxShortWords: texts with at most this many words and no keyword
	// go light.
	MaxShortWords int
}

// DefaultPolicy returns the pt-BR policy used in production.
func DefaultPolicy(lightModel, fullModel string) *Policy {
	greetings := []string{
		"oi", "oie", "olá", "ola", "opa", "eai", "e aí", "e ai", "hey", "hi", "hello",
		"bom dia", "boa tarde", "boa noite", "tudo bem", "tudo bom", "td bem",
		"obrigado", "obrigada", "obg", "valeu", "vlw", "blz", "beleza",
		"ok", "okay", "certo", "show", "top", "legal", "tchau", "até mais",
	}
	p := &Policy{
		LightModel: lightModel,
		FullModel:  fullModel,
		Greetings:  make(map[string]struct{}, len(greetings)),
		// Every keyword is longer than MaxShortChars so the greeting and
		// length rules can never shadow a keyword match.
		FinanceKeywords: []string{
			"gast", "pagu", "pagar", "pago", "compr", "regist", "anot",
			"saldo", "relat", "resumo", "extrato", "comprov", "recibo", "foto", "nota fiscal",
			"remov", "apag", "exclu", "delet", "cancel",
			"edit", "alter", "corrig", "mudar",
			"categ", "receb", "salár", "salar", "entrada", "receita", "despesa",
			"reais", "conta", "lançamento", "lancamento", "export", "planilha",
		},
		IncapablePhrases: []string{
			"não consigo", "nao consigo", "não posso", "nao posso",
			"não tenho acesso", "nao tenho acesso", "preciso de mais", "preciso acessar",
			"não é possível", "nao e possivel",
			"i can't", "i cannot", "i don't have access", "i need",
		},
		MaxShortChars: 3,
		MaxShortWords: 5,
	}
	for _, g := range greetings {
		p.Greetings[g] = struct{}{}
	}
	return p
}

// Request contains the information needed for a routing decision.
type Request struct {
	Text     string
	HasImage bool
	// PendingConfirmation is set when the user has an outstanding
	// confirmation, so short replies such as "sim" reach the tools.
	PendingConfirmation bool
}

// Decision records why a tier was selected.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	QueryLength int    `json:"query_length"`
	WordCount   int    `json:"word_count"`
	HasImage    bool   `json:"has_image"`
	Rule        string `json:"rule"`
	Matched     string `json:"matched,omitempty"`

	Tier  Tier   `json:"tier"`
	Model string `json:"model"`

	// Post-execution (filled in later)
	FellBack   bool  `json:"fell_back,omitempty"`
	Rerouted   bool  `json:"rerouted,omitempty"`
	LatencyMs  int64 `json:"latency_ms,omitempty"`
	TokensUsed int   `json:"tokens_used,omitempty"`
	Success    *bool `json:"success,omitempty"`
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	TierCounts    map[Tier]int64   `json:"tier_counts"`
	RuleCounts    map[string]int64 `json:"rule_counts"`
	Fallbacks     int64            `json:"fallbacks"`
	Reroutes      int64            `json:"reroutes"`
	AvgLatencyMs  map[Tier]int64   `json:"avg_latency_ms"`
}

// Router applies a Policy and keeps a bounded audit log.
type Router struct {
	logger      *slog.Logger
	policy      *Policy
	maxAuditLog int

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// NewRouter creates a router. maxAuditLog <= 0 keeps 1000 decisions.
func NewRouter(logger *slog.Logger, policy *Policy, maxAuditLog int) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAuditLog <= 0 {
		maxAuditLog = 1000
	}
	return &Router{
		logger:      logger,
		policy:      policy,
		maxAuditLog: maxAuditLog,
		auditLog:    make([]Decision, 0, maxAuditLog),
		stats: Stats{
			TierCounts:   make(map[Tier]int64),
			RuleCounts:   make(map[string]int64),
			AvgLatencyMs: make(map[Tier]int64),
		},
	}
}

// Policy returns the router's policy.
func (r *Router) Policy() *Policy { return r.policy }

// ModelFor returns the model name configured for tier.
func (r *Router) ModelFor(t Tier) string {
	if t == TierLight {
		return r.policy.LightModel
	}
	return r.policy.FullModel
}

// Route selects a tier for the request and records the decision.
func (r *Router) Route(ctx context.Context, req Request) Decision {
	norm := Normalize(req.Text)
	d := Decision{
		RequestID:   ulid.Make().String(),
		Timestamp:   time.Now(),
		QueryLength: len([]rune(norm)),
		WordCount:   len(strings.Fields(norm)),
		HasImage:    req.HasImage,
	}

	switch {
	case req.HasImage:
		d.Tier, d.Rule = TierFull, RuleImage
	case req.PendingConfirmation:
		d.Tier, d.Rule = TierFull, RulePending
	default:
		d.Tier, d.Rule, d.Matched = r.policy.Classify(norm)
	}
	d.Model = r.ModelFor(d.Tier)

	r.recordDecision(d)

	r.logger.Debug("model routed",
		"request_id", d.RequestID,
		"tier", d.Tier,
		"model", d.Model,
		"rule", d.Rule,
		"matched", d.Matched,
	)
	return d
}

// Normalize trims and lower-cases text for routing and cache keys.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Classify applies the text rules in fixed order: greeting or very
// short text, finance keyword, few words, default. norm must already
// be normalized.
func (p *Policy) Classify(norm string) (tier Tier, rule, matched string) {
	token := strings.Trim(norm, "!?.,;: ")
	if _, ok := p.Greetings[token]; ok {
		return TierLight, RuleGreeting, token
	}
	if len([]rune(norm)) <= p.MaxShortChars {
		return TierLight, RuleShortText, ""
	}
	for _, kw := range p.FinanceKeywords {
		if strings.Contains(norm, kw) {
			return TierFull, RuleFinanceKeyword, kw
		}
	}
	if len(strings.Fields(norm)) <= p.MaxShortWords {
		return TierLight, RuleFewWords, ""
	}
	return TierFull, RuleDefault, ""
}

// IsIncapable reports whether a light-tier answer admits it cannot
// help. This is a best-effort heuristic.
func (r *Router) IsIncapable(text string) bool {
	t := strings.ToLower(text)
	for _, phrase := range r.policy.IncapablePhrases {
		if strings.Contains(t, phrase) {
			return true
		}
	}
	return false
}

// RecordFallback marks a decision whose light call failed and was
// retried on the full tier.
func (r *Router) RecordFallback(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Fallbacks++
	if d := r.find(requestID); d != nil {
		d.FellBack = true
	}
}

// RecordReroute marks a decision whose light answer was re-issued on
// the full tier.
func (r *Router) RecordReroute(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Reroutes++
	if d := r.find(requestID); d != nil {
		d.Rerouted = true
	}
}

// RecordOutcome updates a decision with execution results.
func (r *Router) RecordOutcome(requestID string, latencyMs int64, tokensUsed int, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.find(requestID)
	if d == nil {
		return
	}
	d.LatencyMs = latencyMs
	d.TokensUsed = tokensUsed
	d.Success = &success

	if prev := r.stats.AvgLatencyMs[d.Tier]; prev == 0 {
		r.stats.AvgLatencyMs[d.Tier] = latencyMs
	} else {
		r.stats.AvgLatencyMs[d.Tier] = (prev + latencyMs) / 2
	}
}

// find returns the audit entry for requestID. Caller holds mu.
func (r *Router) find(requestID string) *Decision {
	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			return &r.auditLog[i]
		}
	}
	return nil
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.maxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.TierCounts[d.Tier]++
	r.stats.RuleCounts[d.Rule]++
}

// GetAuditLog returns up to limit recent decisions, oldest first.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}

	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a copy of the routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.stats
	s.TierCounts = make(map[Tier]int64, len(r.stats.TierCounts))
	for k, v := range r.stats.TierCounts {
		s.TierCounts[k] = v
	}
	s.RuleCounts = make(map[string]int64, len(r.stats.RuleCounts))
	for k, v := range r.stats.RuleCounts {
		s.RuleCounts[k] = v
	}
	s.AvgLatencyMs = make(map[Tier]int64, len(r.stats.AvgLatencyMs))
	for k, v := range r.stats.AvgLatencyMs {
		s.AvgLatencyMs[k] = v
	}
	return s
}

// Explain returns the decision recorded for requestID, or nil.
func (r *Router) Explain(requestID string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}
