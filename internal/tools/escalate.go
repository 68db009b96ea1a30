package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/partstream/messaging-backend/internal/convo"
	"github.com/partstream/messaging-backend/internal/llm"
	"github.com/partstream/messaging-backend/internal/model"
)

type escalateArgs struct {
	Reason   string `json:"motivo" jsonschema:"required" jsonschema_description:"Motivo por el que el cliente necesita atención humana"`
	Category string `json:"categoria,omitempty" jsonschema_description:"Categoría del problema: tecnico, existencias, precio, envio u otro"`
}

func (s *Suite) registerEscalate(r *Registry) {
	r.Register(Definition{
		Name:        "escalate_to_human",
		Description: "Transfiere la conversación a un asesor humano cuando el cliente lo pide o el problema excede al asistente.",
		Parameters:  schemaFor(&escalateArgs{}),
	}, s.escalateToHuman)
}

func (s *Suite) escalateToHuman(ctx context.Context, raw json.RawMessage, call *CallContext) (*model.FunctionResult, error) {
	var args escalateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return invalidArgs("escalate_to_human", err), nil
	}
	if strings.TrimSpace(args.Reason) == "" {
		return &model.FunctionResult{Success: false, Error: "missing reason"}, nil
	}

	conv := call.Conversation
	summary := s.buildHandoff(ctx, conv, args)

	updated, err := s.convos.SetMode(ctx, conv.ID, model.ModeTakeover, "", args.Reason)
	if err != nil {
		if errors.Is(err, convo.ErrInvalidTransition) {
			return &model.FunctionResult{
				Success: false,
				Error:   "human escalation is not available for this conversation",
			}, nil
		}
		return nil, err
	}
	call.Conversation.Mode = updated.Mode
	s.noteHandoff(summary)
	s.noteAction(conv.ID, "escalado a asesor humano")

	return &model.FunctionResult{
		Success: true,
		Data: map[string]any{
			"transferido": true,
			"prioridad":   string(summary.Priority),
			"resumen":     summary,
		},
	}, nil
}

// buildHandoff assembles the operator-facing package. The narrative
// summary comes from the LLM when one is wired; a deterministic fallback
// keeps escalation working when it is not.
func (s *Suite) buildHandoff(ctx context.Context, conv *model.Conversation, args escalateArgs) *model.HandoffSummary {
	skus, lastAction := s.conversationState(conv.ID)
	summary := &model.HandoffSummary{
		ConversationID: conv.ID,
		Priority:       classifyEscalation(args.Category, args.Reason),
		ClientName:     conv.Profile.Name,
		Locator:        conv.Profile.Locator(),
		Products:       skus,
		LastAction:     lastAction,
		GeneratedAt:    time.Now(),
	}

	summary.Summary = s.narrate(ctx, conv, args.Reason)
	if summary.Summary == "" {
		summary.Summary = fallbackNarrative(conv, args.Reason, skus, lastAction)
	}
	return summary
}

func (s *Suite) narrate(ctx context.Context, conv *model.Conversation, reason string) string {
	if s.summarizer == nil || s.transcript == nil {
		return ""
	}

	msgs, err := s.transcript.ListMessages(ctx, conv.ID, 20)
	if err != nil || len(msgs) == 0 {
		return ""
	}
	var transcript strings.Builder
	for _, m := range msgs {
		transcript.WriteString(string(m.Sender))
		transcript.WriteString(": ")
		transcript.WriteString(m.Content)
		transcript.WriteString("\n")
	}

	llmCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	resp, err := s.summarizer.Complete(llmCtx, &llm.CompletionRequest{
		Messages: []llm.ChatMessage{
			{Role: "system", Content: "Resume esta conversación en 2-3 oraciones para el asesor humano que la tomará. Incluye qué busca el cliente y en qué quedó la conversación."},
			{Role: "user", Content: fmt.Sprintf("Motivo de escalamiento: %s\n\nConversación:\n%s", reason, transcript.String())},
		},
		MaxTokens: 300,
	})
	if err != nil {
		s.log.Warn("handoff summary generation failed", "conversation_id", conv.ID, "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

func fallbackNarrative(conv *model.Conversation, reason string, skus []string, lastAction string) string {
	var b strings.Builder
	name := conv.Profile.Name
	if name == "" {
		name = "Cliente sin identificar"
	}
	fmt.Fprintf(&b, "%s solicita atención humana. Motivo: %s.", name, reason)
	if len(skus) > 0 {
		fmt.Fprintf(&b, " Refacciones consultadas: %s.", strings.Join(skus, ", "))
	}
	if lastAction != "" {
		fmt.Fprintf(&b, " Última acción: %s.", lastAction)
	}
	return b.String()
}

// classifyEscalation maps the escalation category to operator priority:
// technical problems first, purchase logistics next, everything else last.
func classifyEscalation(category, reason string) model.Priority {
	text := strings.ToLower(category + " " + reason)
	switch {
	case containsAny(text, "tecnic", "falla", "defect", "garantia", "garantía", "no funciona"):
		return model.PriorityHigh
	case containsAny(text, "existencia", "stock", "precio", "envio", "envío", "entrega", "pedido"):
		return model.PriorityNormal
	default:
		return model.PriorityLow
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
