package tools

import (
	"context"
	"sync"

	"github.com/partstream/messaging-backend/internal/erp"
	"github.com/partstream/messaging-backend/internal/llm"
	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/pkg/logger"
)

// Inventory is the slice of the ERP client the tools use.
type Inventory interface {
	SearchParts(ctx context.Context, query string) ([]erp.Part, error)
	CheckStock(ctx context.Context, sku string) (*erp.Availability, error)
	ReserveOrder(ctx context.Context, req erp.ReserveRequest) (*erp.ReserveResult, error)
	DecodeVIN(ctx context.Context, vin string) (*erp.Vehicle, error)
	CreateTicket(ctx context.Context, req erp.TicketRequest) (*erp.Ticket, error)
	QuoteShipping(ctx context.Context, req erp.QuoteRequest) (*erp.Quote, error)
	ProductImageURL(ctx context.Context, sku string) (string, error)
}

// Conversations is the slice of the conversation service the tools use.
type Conversations interface {
	UpdateProfile(ctx context.Context, id string, fn func(*model.ClientProfile)) (*model.Conversation, error)
	SetMode(ctx context.Context, id string, mode model.OwnershipMode, operatorID, reason string) (*model.Conversation, error)
}

// ImageSender shares a product image with the client. Best-effort only.
type ImageSender interface {
	SendImage(ctx context.Context, to, imageURL string) error
}

// TranscriptReader provides recent conversation history for summaries.
type TranscriptReader interface {
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error)
}

// LocalityMatcher decides whether a stock row counts as local fulfillment
// for a client. The boundary rule is pluggable; the default matches the
// postal-code prefix or the city name inside the client's address.
type LocalityMatcher func(profile model.ClientProfile, row erp.StockRow) bool

// Deps wires the tool suite.
type Deps struct {
	Inventory  Inventory
	Convos     Conversations
	Images     ImageSender
	Transcript TranscriptReader
	Summarizer llm.Client
	Matcher    LocalityMatcher
	Logger     *logger.Logger
}

// Suite holds the tool handlers and their shared per-conversation state.
type Suite struct {
	inv        Inventory
	convos     Conversations
	images     ImageSender
	transcript TranscriptReader
	summarizer llm.Client
	matcher    LocalityMatcher
	log        *logger.Logger

	mu         sync.Mutex
	recentSKUs map[string][]string
	lastAction map[string]string
	handoffs   map[string]*model.HandoffSummary
}

// NewSuite creates the tool suite.
func NewSuite(deps Deps) *Suite {
	matcher := deps.Matcher
	if matcher == nil {
		matcher = DefaultLocalityMatcher
	}
	return &Suite{
		inv:        deps.Inventory,
		convos:     deps.Convos,
		images:     deps.Images,
		transcript: deps.Transcript,
		summarizer: deps.Summarizer,
		matcher:    matcher,
		log:        deps.Logger,
		recentSKUs: make(map[string][]string),
		lastAction: make(map[string]string),
		handoffs:   make(map[string]*model.HandoffSummary),
	}
}

// RegisterAll installs every tool into the registry.
func (s *Suite) RegisterAll(r *Registry) {
	s.registerProfile(r)
	s.registerInventory(r)
	s.registerVIN(r)
	s.registerTicket(r)
	s.registerShipping(r)
	s.registerEscalate(r)
}

func (s *Suite) noteSKU(conversationID, sku string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.recentSKUs[conversationID] {
		if existing == sku {
			return
		}
	}
	s.recentSKUs[conversationID] = append(s.recentSKUs[conversationID], sku)
}

func (s *Suite) noteAction(conversationID, action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAction[conversationID] = action
}

func (s *Suite) conversationState(conversationID string) ([]string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.recentSKUs[conversationID]...), s.lastAction[conversationID]
}

func (s *Suite) noteHandoff(summary *model.HandoffSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handoffs[summary.ConversationID] = summary
}

// Handoff returns the latest escalation package for a conversation, or
// nil when it never escalated.
func (s *Suite) Handoff(conversationID string) *model.HandoffSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handoffs[conversationID]
}

// Forget drops per-conversation scratch state; called when a
// conversation is archived.
func (s *Suite) Forget(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recentSKUs, conversationID)
	delete(s.lastAction, conversationID)
	delete(s.handoffs, conversationID)
}
