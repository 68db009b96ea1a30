// Package bot is the dialogue engine: it assembles conversation context,
// drives the LLM's tool-calling loop, and produces at most one reply per
// inbound turn.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/partstream/messaging-backend/internal/llm"
	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/internal/tools"
	"github.com/partstream/messaging-backend/pkg/logger"
	"github.com/partstream/messaging-backend/pkg/metrics"
)

// Machine-readable reasons for a suppressed reply.
const (
	ReasonNeedsName    = "requires name"
	ReasonNeedsLocator = "requires address or postal code"
)

const (
	defaultSessions   = 4096
	defaultToolRounds = 5
	historyLimit      = 40
)

const systemPrompt = `Eres el asistente de ventas de una refaccionaria automotriz y atiendes por WhatsApp.
Responde siempre en español, breve y amable. Usa las herramientas disponibles para
buscar refacciones, revisar existencias, cotizar envíos y apartar compras. Antes de
usar herramientas de inventario necesitas el nombre del cliente y su código postal o
dirección; pídelos de forma natural y guárdalos con save_client_data en cuanto el
cliente los comparta. Si el cliente pide hablar con una persona o reporta un problema
que no puedes resolver, usa escalate_to_human. Nunca inventes precios ni existencias.`

const extractionPrompt = `Del siguiente mensaje del cliente extrae, si los menciona, su nombre,
código postal, dirección, correo o vehículo, y guárdalos con save_client_data.
Si el mensaje no contiene ninguno de esos datos, no llames ninguna herramienta.`

// Reply is the outcome of one inbound turn.
type Reply struct {
	Text       string
	ShouldSend bool
	// Reason is set when ShouldSend is false.
	Reason string
}

// Config tunes the orchestrator.
type Config struct {
	Model         string
	MaxToolRounds int
	MaxTokens     int
	Temperature   float64
	Sessions      int
}

// Orchestrator drives the tool-calling dialogue loop.
type Orchestrator struct {
	llm      llm.Client
	registry *tools.Registry
	cfg      Config
	log      *logger.Logger

	sessions *lru.Cache
}

type session struct {
	mu       sync.Mutex
	history  []llm.ChatMessage
	lastUsed time.Time
}

// New creates the orchestrator.
func New(client llm.Client, registry *tools.Registry, cfg Config, log *logger.Logger) (*Orchestrator, error) {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultToolRounds
	}
	if cfg.Sessions <= 0 {
		cfg.Sessions = defaultSessions
	}
	cache, err := lru.New(cfg.Sessions)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	return &Orchestrator{
		llm:      client,
		registry: registry,
		cfg:      cfg,
		log:      log,
		sessions: cache,
	}, nil
}

// Respond handles one inbound client message and returns the single reply
// for this turn. Callers gate on conversation ownership before calling.
func (o *Orchestrator) Respond(ctx context.Context, conv *model.Conversation, inbound string) (*Reply, error) {
	sess := o.session(conv.ID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastUsed = time.Now()
	sess.append(llm.ChatMessage{Role: "user", Content: inbound})

	call := &tools.CallContext{Conversation: conv}

	if !conv.Profile.Complete() {
		o.extractProfile(ctx, sess, call)
		if !conv.Profile.Complete() {
			reply := o.gateReply(conv.Profile)
			sess.append(llm.ChatMessage{Role: "assistant", Content: PromptForReason(reply.Reason)})
			return reply, nil
		}
	}

	return o.toolLoop(ctx, sess, call)
}

// extractProfile runs one restricted round so the model can capture client
// data the message carries. Failures here are not fatal; the gate reply
// covers them.
func (o *Orchestrator) extractProfile(ctx context.Context, sess *session, call *tools.CallContext) {
	var saveDef []llm.ToolDefinition
	for _, def := range o.registry.Definitions() {
		if def.Name == "save_client_data" {
			saveDef = append(saveDef, def)
			break
		}
	}
	if len(saveDef) == 0 {
		return
	}

	messages := append([]llm.ChatMessage{{Role: "system", Content: extractionPrompt}}, sess.history...)
	resp, err := o.llm.Complete(ctx, &llm.CompletionRequest{
		Model:       o.cfg.Model,
		Messages:    messages,
		Tools:       saveDef,
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	})
	if err != nil {
		o.log.Warn("profile extraction failed", "conversation_id", call.Conversation.ID, "error", err)
		return
	}
	metrics.RecordLLMUsage(resp.Model, resp.TokensIn, resp.TokensOut)

	for _, tc := range resp.ToolCalls {
		if tc.Name != "save_client_data" {
			continue
		}
		if _, err := o.registry.Execute(ctx, tc.Name, json.RawMessage(tc.Arguments), call); err != nil {
			o.log.Warn("profile save failed", "conversation_id", call.Conversation.ID, "error", err)
		}
	}
}

func (o *Orchestrator) gateReply(profile model.ClientProfile) *Reply {
	if !profile.HasName() {
		return &Reply{ShouldSend: false, Reason: ReasonNeedsName}
	}
	return &Reply{ShouldSend: false, Reason: ReasonNeedsLocator}
}

// toolLoop is the bounded tool-calling cycle: the model picks tools, we
// resolve them in the order requested and feed results back, until it
// produces plain text or the round budget runs out.
func (o *Orchestrator) toolLoop(ctx context.Context, sess *session, call *tools.CallContext) (*Reply, error) {
	defs := o.registry.Definitions()

	for round := 0; round < o.cfg.MaxToolRounds; round++ {
		resp, err := o.complete(ctx, sess, defs)
		if err != nil {
			o.log.Error("llm completion failed", "conversation_id", call.Conversation.ID, "error", err)
			return o.apologize(sess, ""), nil
		}

		if len(resp.ToolCalls) == 0 {
			sess.append(llm.ChatMessage{Role: "assistant", Content: resp.Content})
			return &Reply{Text: resp.Content, ShouldSend: true}, nil
		}

		sess.append(llm.ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			result, err := o.registry.Execute(ctx, tc.Name, json.RawMessage(tc.Arguments), call)
			if err != nil {
				o.log.Warn("tool call failed", "tool", tc.Name, "conversation_id", call.Conversation.ID, "error", err)
				return o.apologize(sess, tc.Name), nil
			}
			if result.NeedMoreData {
				sess.append(llm.ChatMessage{Role: "assistant", Content: result.Prompt})
				return &Reply{Text: result.Prompt, ShouldSend: true}, nil
			}
			sess.append(toolMessage(tc, result))
		}
	}

	// Round budget exhausted: force a final answer with no tools on offer.
	resp, err := o.complete(ctx, sess, nil)
	if err != nil {
		o.log.Error("llm final completion failed", "conversation_id", call.Conversation.ID, "error", err)
		return o.apologize(sess, ""), nil
	}
	sess.append(llm.ChatMessage{Role: "assistant", Content: resp.Content})
	return &Reply{Text: resp.Content, ShouldSend: true}, nil
}

func (o *Orchestrator) complete(ctx context.Context, sess *session, defs []llm.ToolDefinition) (*llm.CompletionResponse, error) {
	messages := append([]llm.ChatMessage{{Role: "system", Content: systemPrompt}}, sess.history...)
	resp, err := o.llm.Complete(ctx, &llm.CompletionRequest{
		Model:       o.cfg.Model,
		Messages:    messages,
		Tools:       defs,
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordLLMUsage(resp.Model, resp.TokensIn, resp.TokensOut)
	return resp, nil
}

func toolMessage(tc llm.ToolCall, result *model.FunctionResult) llm.ChatMessage {
	body, err := json.Marshal(result)
	if err != nil {
		body = []byte(`{"success":false,"error":"unserializable result"}`)
	}
	return llm.ChatMessage{
		Role:       "tool",
		Content:    string(body),
		ToolCallID: tc.ID,
		Name:       tc.Name,
	}
}

// apologize records and returns the deterministic user-facing apology for
// a failed tool or model call. Raw errors never reach the client.
func (o *Orchestrator) apologize(sess *session, toolName string) *Reply {
	text := apologyFor(toolName)
	sess.append(llm.ChatMessage{Role: "assistant", Content: text})
	return &Reply{Text: text, ShouldSend: true}
}

func apologyFor(toolName string) string {
	switch toolName {
	case "search_inventory":
		return "Disculpa, no pude consultar el inventario en este momento. ¿Lo intentamos de nuevo en unos minutos?"
	case "confirm_purchase":
		return "Disculpa, no pude completar el apartado de tu refacción. Tu compra no se procesó; inténtalo de nuevo en unos minutos."
	case "decode_vin":
		return "Disculpa, no pude verificar el número de serie en este momento. ¿Lo intentamos de nuevo en unos minutos?"
	case "create_ticket":
		return "Disculpa, no pude levantar tu reporte en este momento. Inténtalo de nuevo en unos minutos."
	case "quote_shipping":
		return "Disculpa, no pude cotizar el envío en este momento. ¿Lo intentamos de nuevo en unos minutos?"
	case "escalate_to_human":
		return "Disculpa, no pude transferirte con un asesor en este momento. Inténtalo de nuevo en unos minutos."
	default:
		return "Disculpa, tuve un problema para procesar tu mensaje. ¿Lo intentamos de nuevo en unos minutos?"
	}
}

// PromptForReason maps a suppressed-reply reason to the client-facing
// prompt that asks for the missing data.
func PromptForReason(reason string) string {
	switch reason {
	case ReasonNeedsName:
		return "¡Hola! Para ayudarte necesito tu nombre. ¿Me lo compartes?"
	case ReasonNeedsLocator:
		return "¿Me compartes tu código postal o dirección para buscar existencias cerca de ti?"
	default:
		return ""
	}
}

func (o *Orchestrator) session(conversationID string) *session {
	if v, ok := o.sessions.Get(conversationID); ok {
		return v.(*session)
	}
	sess := &session{}
	o.sessions.Add(conversationID, sess)
	return sess
}

func (s *session) append(msg llm.ChatMessage) {
	s.history = append(s.history, msg)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
}

// Evict drops one conversation's session.
func (o *Orchestrator) Evict(conversationID string) {
	o.sessions.Remove(conversationID)
}

// EvictIdle drops sessions untouched since the threshold; used by the
// reaper.
func (o *Orchestrator) EvictIdle(olderThan time.Time) int {
	evicted := 0
	for _, key := range o.sessions.Keys() {
		v, ok := o.sessions.Peek(key)
		if !ok {
			continue
		}
		sess := v.(*session)
		sess.mu.Lock()
		idle := sess.lastUsed.Before(olderThan)
		sess.mu.Unlock()
		if idle {
			o.sessions.Remove(key)
			evicted++
		}
	}
	return evicted
}
