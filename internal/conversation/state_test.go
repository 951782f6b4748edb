package conversation

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ShopAssist/internal/catalog"
	xerrors "ShopAssist/internal/errors"
	"ShopAssist/internal/llm"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func suspendedState(now time.Time) *State {
	s := NewState("c-1", "user-1234", now)
	s.Turn = &Turn{ID: "t-1", StartIndex: 0, Iterations: 1, StartedAt: now}
	s.Append(
		Entry{Kind: KindUser, Text: "I'll take the Sony ones", At: now},
		Entry{Kind: KindAssistant, ToolCalls: []llm.ToolCall{
			{ID: "call-1", Name: "purchase_product", Arguments: json.RawMessage(`{"sku":"S1"}`)},
			{ID: "call-2", Name: "get_user_info", Arguments: json.RawMessage(`{}`)},
		}, At: now},
	)
	s.Pending = &Ticket{
		ID: "tk-1", CallID: "call-1", Tool: "purchase_product", Action: "purchase",
		Target: "Sony WH-1000XM5 (S1) x1", Arguments: json.RawMessage(`{"sku":"S1"}`),
		State: TicketPending, CreatedAt: now, ExpiresAt: now.Add(15 * time.Minute),
	}
	s.Last = Payload{Source: SourceCatalog, Results: []catalog.Product{{SKU: "S1", Name: "Sony WH-1000XM5"}}}
	return s
}

func TestCheckpointRoundTripIncludesPendingTicket(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	cp := NewCheckpoint(NewMemoryStore(clock.Now), time.Hour, WithClock(clock.Now))
	ctx := context.Background()

	original := suspendedState(clock.Now())
	require.NoError(t, cp.Save(ctx, original))

	loaded, found, err := cp.Load(ctx, "c-1", "user-1234")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, original, loaded)
	require.NotNil(t, loaded.Pending)
	assert.Equal(t, TicketPending, loaded.Pending.State)
}

func TestCheckpointLoadFreshState(t *testing.T) {
	cp := NewCheckpoint(NewMemoryStore(nil), time.Hour)
	state, found, err := cp.Load(context.Background(), "new", "u-1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "new", state.ID)
	assert.Equal(t, "u-1", state.UserID)
	assert.Empty(t, state.Entries)
	assert.Nil(t, state.Pending)

	_, _, err = cp.Load(context.Background(), " ", "u-1")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestMemoryStoreEvictsAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(clock.Now)
	cp := NewCheckpoint(store, 10*time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, cp.Save(ctx, suspendedState(clock.Now())))
	clock.Advance(9 * time.Minute)
	_, found, err := cp.Load(ctx, "c-1", "user-1234")
	require.NoError(t, err)
	assert.True(t, found)

	clock.Advance(2 * time.Minute)
	_, err = store.Get(ctx, "c-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, cp.Save(ctx, suspendedState(clock.Now())))
	clock.Advance(time.Hour)
	assert.Equal(t, 1, store.Sweep())
}

func TestUnresolvedCallsAndRecordedResult(t *testing.T) {
	now := time.Now()
	s := suspendedState(now)
	assert.Len(t, s.UnresolvedCalls(), 2)

	s.Append(Entry{Kind: KindTool, Result: &ToolResult{CallID: "call-2", Tool: "get_user_info", Display: "ok"}})
	calls := s.UnresolvedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call-1", calls[0].ID)

	res, ok := s.RecordedResult("call-2")
	require.True(t, ok)
	assert.Equal(t, "ok", res.Display)
	_, ok = s.RecordedResult("call-1")
	assert.False(t, ok)

	assert.Len(t, s.TurnEntries(), 3)
}

func TestRecordedResultIsScopedToCurrentTurn(t *testing.T) {
	now := time.Now()
	s := NewState("c-1", "user-1234", now)
	s.Append(
		Entry{Kind: KindUser, Text: "show me headphones", At: now},
		Entry{Kind: KindAssistant, ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "search_products"}}, At: now},
		Entry{Kind: KindTool, Result: &ToolResult{CallID: "call-1", Tool: "search_products", Display: "old"}, At: now},
	)
	_, ok := s.RecordedResult("call-1")
	assert.False(t, ok)

	s.Turn = &Turn{ID: "t-2", StartIndex: len(s.Entries), StartedAt: now}
	s.Append(
		Entry{Kind: KindUser, Text: "buy it", At: now},
		Entry{Kind: KindAssistant, ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "purchase_product"}}, At: now},
	)
	_, ok = s.RecordedResult("call-1")
	assert.False(t, ok)

	s.Append(Entry{Kind: KindTool, Result: &ToolResult{CallID: "call-1", Tool: "purchase_product", Display: "new"}, At: now})
	res, ok := s.RecordedResult("call-1")
	require.True(t, ok)
	assert.Equal(t, "new", res.Display)
}

func TestTicketExpired(t *testing.T) {
	now := time.Now()
	ticket := Ticket{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, ticket.Expired(now))
	assert.True(t, ticket.Expired(now.Add(time.Minute)))
	assert.False(t, Ticket{}.Expired(now))
}

func TestKeyedLockerSerialisesSameConversation(t *testing.T) {
	locker := NewKeyedLocker()
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "c-1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)
}

func TestKeyedLockerIndependentConversationsAndCancel(t *testing.T) {
	locker := NewKeyedLocker()
	unlockA, err := locker.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := locker.Lock(context.Background(), "b")
	require.NoError(t, err)
	unlockB()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
