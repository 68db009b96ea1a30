package tools

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/partstream/messaging-backend/internal/convo"
	"github.com/partstream/messaging-backend/internal/erp"
	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/internal/store"
	"github.com/partstream/messaging-backend/pkg/logger"
)

// fakeInventory is a scripted stand-in for the ERP client.
type fakeInventory struct {
	mu sync.Mutex

	parts   []erp.Part
	stock   map[string][]erp.StockRow
	reserve *erp.ReserveResult
	vehicle *erp.Vehicle
	ticket  *erp.Ticket
	quote   *erp.Quote

	searchErr error

	searchCalls  int
	stockCalls   int
	reserveCalls int
	lastReserve  erp.ReserveRequest
}

func (f *fakeInventory) SearchParts(ctx context.Context, query string) ([]erp.Part, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.parts, nil
}

func (f *fakeInventory) CheckStock(ctx context.Context, sku string) (*erp.Availability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stockCalls++
	return &erp.Availability{Rows: f.stock[sku]}, nil
}

func (f *fakeInventory) ReserveOrder(ctx context.Context, req erp.ReserveRequest) (*erp.ReserveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserveCalls++
	f.lastReserve = req
	return f.reserve, nil
}

func (f *fakeInventory) DecodeVIN(ctx context.Context, vin string) (*erp.Vehicle, error) {
	return f.vehicle, nil
}

func (f *fakeInventory) CreateTicket(ctx context.Context, req erp.TicketRequest) (*erp.Ticket, error) {
	return f.ticket, nil
}

func (f *fakeInventory) QuoteShipping(ctx context.Context, req erp.QuoteRequest) (*erp.Quote, error) {
	return f.quote, nil
}

func (f *fakeInventory) ProductImageURL(ctx context.Context, sku string) (string, error) {
	return "", nil
}

func (f *fakeInventory) calls() (search, stock, reserve int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searchCalls, f.stockCalls, f.reserveCalls
}

type toolFixture struct {
	suite    *Suite
	registry *Registry
	inv      *fakeInventory
	convos   *convo.Service
	conv     *model.Conversation
}

func newToolFixture(t *testing.T, profile model.ClientProfile) *toolFixture {
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

	inv := &fakeInventory{stock: make(map[string][]erp.StockRow)}
	suite := NewSuite(Deps{
		Inventory: inv,
		Convos:    convos,
		Logger:    logger.NewNop(),
	})
	registry := NewRegistry()
	suite.RegisterAll(registry)

	return &toolFixture{suite: suite, registry: registry, inv: inv, convos: convos, conv: conv}
}

func (f *toolFixture) call(t *testing.T, name, args string) *model.FunctionResult {
	t.Helper()
	result, err := f.registry.Execute(context.Background(), name, []byte(args), &CallContext{Conversation: f.conv})
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}
