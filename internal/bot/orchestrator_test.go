package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partstream/messaging-backend/internal/convo"
	"github.com/partstream/messaging-backend/internal/erp"
	"github.com/partstream/messaging-backend/internal/llm"
	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/internal/store"
	"github.com/partstream/messaging-backend/internal/tools"
	"github.com/partstream/messaging-backend/pkg/logger"
)

// scriptedLLM replays canned completions and records every request.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*llm.CompletionResponse
	requests  []*llm.CompletionRequest
	err       error
}

func (s *scriptedLLM) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return &llm.CompletionResponse{Content: "ok"}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *scriptedLLM) Name() string     { return "scripted" }
func (s *scriptedLLM) Models() []string { return nil }

func textResponse(content string) *llm.CompletionResponse {
	return &llm.CompletionResponse{Content: content}
}

func toolResponse(calls ...llm.ToolCall) *llm.CompletionResponse {
	return &llm.CompletionResponse{ToolCalls: calls}
}

// stubInventory satisfies the tool suite with static data.
type stubInventory struct {
	searchErr   error
	searchCalls int
	mu          sync.Mutex
}

func (s *stubInventory) SearchParts(ctx context.Context, query string) ([]erp.Part, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchCalls++
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return []erp.Part{{SKU: "BAL-100", Name: "Balatas", PriceCents: 50000, Currency: "MXN"}}, nil
}

func (s *stubInventory) CheckStock(ctx context.Context, sku string) (*erp.Availability, error) {
	return &erp.Availability{Rows: []erp.StockRow{
		{BranchName: "Centro", City: "Monterrey", PostalPrefix: "64", Quantity: 2},
	}}, nil
}

func (s *stubInventory) ReserveOrder(ctx context.Context, req erp.ReserveRequest) (*erp.ReserveResult, error) {
	return &erp.ReserveResult{OrderID: "ORD-1", SKU: req.SKU, Quantity: req.Quantity}, nil
}

func (s *stubInventory) DecodeVIN(ctx context.Context, vin string) (*erp.Vehicle, error) {
	return &erp.Vehicle{VIN: vin}, nil
}

func (s *stubInventory) CreateTicket(ctx context.Context, req erp.TicketRequest) (*erp.Ticket, error) {
	return &erp.Ticket{ID: "T-1"}, nil
}

func (s *stubInventory) QuoteShipping(ctx context.Context, req erp.QuoteRequest) (*erp.Quote, error) {
	return &erp.Quote{AmountCents: 9900}, nil
}

func (s *stubInventory) ProductImageURL(ctx context.Context, sku string) (string, error) {
	return "", nil
}

type botFixture struct {
	orch *Orchestrator
	llm  *scriptedLLM
	inv  *stubInventory
	conv *model.Conversation
}

func newBotFixture(t *testing.T, cfg Config, profile model.ClientProfile) *botFixture {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemory()
	convos := convo.NewService(st, nil, logger.NewNop())
	conv, err := convos.Ensure(ctx, "5218110000001")
	require.NoError(t, err)
	if profile != (model.ClientProfile{}) {
		conv, err = convos.UpdateProfile(ctx, conv.ID, func(p *model.ClientProfile) {
			*p = profile
		})
		require.NoError(t, err)
	}

	inv := &stubInventory{}
	suite := tools.NewSuite(tools.Deps{
		Inventory: inv,
		Convos:    convos,
		Logger:    logger.NewNop(),
	})
	registry := tools.NewRegistry()
	suite.RegisterAll(registry)

	client := &scriptedLLM{}
	orch, err := New(client, registry, cfg, logger.NewNop())
	require.NoError(t, err)

	return &botFixture{orch: orch, llm: client, inv: inv, conv: conv}
}

func TestRespondSuppressedWithoutName(t *testing.T) {
	f := newBotFixture(t, Config{}, model.ClientProfile{})
	// Extraction round finds nothing to save.
	f.llm.responses = []*llm.CompletionResponse{textResponse("")}

	reply, err := f.orch.Respond(context.Background(), f.conv, "Hola")
	require.NoError(t, err)
	assert.False(t, reply.ShouldSend)
	assert.Equal(t, ReasonNeedsName, reply.Reason)

	// Only the extraction round ran, restricted to the profile tool.
	require.Len(t, f.llm.requests, 1)
	require.Len(t, f.llm.requests[0].Tools, 1)
	assert.Equal(t, "save_client_data", f.llm.requests[0].Tools[0].Name)
}

func TestRespondSuppressedWithoutLocator(t *testing.T) {
	f := newBotFixture(t, Config{}, model.ClientProfile{Name: "Ana"})
	f.llm.responses = []*llm.CompletionResponse{textResponse("")}

	reply, err := f.orch.Respond(context.Background(), f.conv, "¿Tienen balatas?")
	require.NoError(t, err)
	assert.False(t, reply.ShouldSend)
	assert.Equal(t, ReasonNeedsLocator, reply.Reason)
}

func TestRespondExtractionOpensGate(t *testing.T) {
	f := newBotFixture(t, Config{}, model.ClientProfile{})
	f.llm.responses = []*llm.CompletionResponse{
		toolResponse(llm.ToolCall{
			ID:        "call-1",
			Name:      "save_client_data",
			Arguments: `{"nombre": "Ana", "codigo_postal": "64000"}`,
		}),
		textResponse("¡Hola Ana! ¿Qué refacción buscas?"),
	}

	reply, err := f.orch.Respond(context.Background(), f.conv, "Hola, soy Ana, CP 64000")
	require.NoError(t, err)
	assert.True(t, reply.ShouldSend)
	assert.Equal(t, "¡Hola Ana! ¿Qué refacción buscas?", reply.Text)

	assert.True(t, f.conv.Profile.Complete())
	// Extraction plus one dialogue round.
	assert.Len(t, f.llm.requests, 2)
}

func TestRespondRunsToolLoop(t *testing.T) {
	f := newBotFixture(t, Config{}, model.ClientProfile{Name: "Ana", PostalCode: "64000"})
	f.llm.responses = []*llm.CompletionResponse{
		toolResponse(llm.ToolCall{
			ID:        "call-1",
			Name:      "search_inventory",
			Arguments: `{"consulta": "balatas"}`,
		}),
		textResponse("Tenemos balatas Brembo en Sucursal Centro por $500.00 MXN."),
	}

	reply, err := f.orch.Respond(context.Background(), f.conv, "¿Tienen balatas?")
	require.NoError(t, err)
	assert.True(t, reply.ShouldSend)
	assert.Contains(t, reply.Text, "balatas")

	f.inv.mu.Lock()
	assert.Equal(t, 1, f.inv.searchCalls)
	f.inv.mu.Unlock()

	// The second round carried the tool result back to the model.
	require.Len(t, f.llm.requests, 2)
	last := f.llm.requests[1].Messages
	var toolMsg *llm.ChatMessage
	for i := range last {
		if last[i].Role == "tool" {
			toolMsg = &last[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "call-1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, "stockLocal")
}

func TestRespondBoundedToolRounds(t *testing.T) {
	f := newBotFixture(t, Config{MaxToolRounds: 2}, model.ClientProfile{Name: "Ana", PostalCode: "64000"})
	f.llm.responses = []*llm.CompletionResponse{
		toolResponse(llm.ToolCall{ID: "c1", Name: "search_inventory", Arguments: `{"consulta": "balatas"}`}),
		toolResponse(llm.ToolCall{ID: "c2", Name: "search_inventory", Arguments: `{"consulta": "balatas brembo"}`}),
		textResponse("Encontré estas opciones de balatas."),
	}

	reply, err := f.orch.Respond(context.Background(), f.conv, "¿Tienen balatas?")
	require.NoError(t, err)
	assert.True(t, reply.ShouldSend)
	assert.Equal(t, "Encontré estas opciones de balatas.", reply.Text)

	// Two tool rounds, then the forced no-tools completion.
	require.Len(t, f.llm.requests, 3)
	assert.NotEmpty(t, f.llm.requests[0].Tools)
	assert.NotEmpty(t, f.llm.requests[1].Tools)
	assert.Empty(t, f.llm.requests[2].Tools)
}

func TestRespondToolFailureApologizes(t *testing.T) {
	f := newBotFixture(t, Config{}, model.ClientProfile{Name: "Ana", PostalCode: "64000"})
	f.inv.searchErr = errors.New("erp timeout")
	f.llm.responses = []*llm.CompletionResponse{
		toolResponse(llm.ToolCall{ID: "c1", Name: "search_inventory", Arguments: `{"consulta": "balatas"}`}),
	}

	reply, err := f.orch.Respond(context.Background(), f.conv, "¿Tienen balatas?")
	require.NoError(t, err)
	assert.True(t, reply.ShouldSend)
	assert.Contains(t, reply.Text, "inventario")
	assert.NotContains(t, reply.Text, "erp timeout")
}

func TestRespondLLMFailureApologizes(t *testing.T) {
	f := newBotFixture(t, Config{}, model.ClientProfile{Name: "Ana", PostalCode: "64000"})
	f.llm.err = errors.New("upstream 500")

	reply, err := f.orch.Respond(context.Background(), f.conv, "Hola")
	require.NoError(t, err)
	assert.True(t, reply.ShouldSend)
	assert.Contains(t, reply.Text, "Disculpa")
	assert.NotContains(t, reply.Text, "upstream 500")
}

func TestPromptForReason(t *testing.T) {
	assert.Contains(t, PromptForReason(ReasonNeedsName), "nombre")
	assert.Contains(t, PromptForReason(ReasonNeedsLocator), "código postal")
	assert.Empty(t, PromptForReason("something else"))
}

func TestEvictIdleSessions(t *testing.T) {
	f := newBotFixture(t, Config{}, model.ClientProfile{Name: "Ana", PostalCode: "64000"})
	f.llm.responses = []*llm.CompletionResponse{textResponse("hola")}

	_, err := f.orch.Respond(context.Background(), f.conv, "Hola")
	require.NoError(t, err)

	// Fresh sessions survive.
	assert.Zero(t, f.orch.EvictIdle(time.Now().Add(-time.Minute)))
	// Anything older than "the future" is idle.
	assert.Equal(t, 1, f.orch.EvictIdle(time.Now().Add(time.Minute)))
}
