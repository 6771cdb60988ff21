package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"message-pipeline/internal/domain"
	"message-pipeline/internal/integrations/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---- secrets ----

type mockSecrets struct {
	vals  map[string]string
	err   error
	mu    sync.Mutex
	calls int
}

func (m *mockSecrets) GetSecret(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.vals[name]
	if !ok {
		return "", fmt.Errorf("secret not found: %s", name)
	}
	return v, nil
}

// ---- publisher ----

type mockPublisher struct {
	mu   sync.Mutex
	msgs []queue.Message
	err  error
	seq  int
}

func (m *mockPublisher) Publish(_ context.Context, msg queue.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.seq++
	m.msgs = append(m.msgs, msg)
	return fmt.Sprintf("msg-%d", m.seq), nil
}

func (m *mockPublisher) published() []queue.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]queue.Message(nil), m.msgs...)
}

func (m *mockPublisher) results() []domain.ProcessingResult {
	var out []domain.ProcessingResult
	for _, msg := range m.published() {
		var r domain.ProcessingResult
		if err := json.Unmarshal(msg.Body, &r); err == nil {
			out = append(out, r)
		}
	}
	return out
}

// ---- provider ----

type mockProvider struct {
	name   string
	window int
	vocab  domain.RoleVocabulary
	reply  domain.AIReply
	err    error
	delay  time.Duration

	mu          sync.Mutex
	calls       int
	lastHistory []domain.ChatMessage
	lastMessage string
	hadDeadline bool
}

func newMockProvider(reply string) *mockProvider {
	return &mockProvider{
		name:   "openai",
		window: 10,
		vocab:  domain.RoleVocabulary{User: "user", Assistant: "assistant"},
		reply: domain.AIReply{
			Text:  reply,
			Model: "gpt-4",
			Usage: domain.TokenUsage{PromptTokens: 9, CompletionTokens: 3, TotalTokens: 12},
		},
	}
}

func (m *mockProvider) Name() string                      { return m.name }
func (m *mockProvider) HistoryWindow() int                { return m.window }
func (m *mockProvider) Vocabulary() domain.RoleVocabulary { return m.vocab }

func (m *mockProvider) Send(ctx context.Context, history []domain.ChatMessage, message string) (domain.AIReply, error) {
	m.mu.Lock()
	m.calls++
	m.lastHistory = history
	m.lastMessage = message
	_, m.hadDeadline = ctx.Deadline()
	m.mu.Unlock()
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return domain.AIReply{}, ctx.Err()
		}
	}
	if m.err != nil {
		return domain.AIReply{}, m.err
	}
	return m.reply, nil
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type statusErr struct{ code int }

func (e *statusErr) Error() string       { return fmt.Sprintf("upstream status %d", e.code) }
func (e *statusErr) HTTPStatusCode() int { return e.code }

// ---- store ----

// memStore keeps the transactional guarantees of the DynamoDB store: the
// marker, both turns and the summary change together or not at all.
type memStore struct {
	mu        sync.Mutex
	exchanges map[string]domain.Exchange
	turns     map[string][]domain.ConversationTurn
	counts    map[string]int
	last      map[string][2]string
	usage     map[string]domain.TokenUsage

	findErr   error
	saveErr   error
	usageErr  error
	recentErr error
	// raceWith, when set, is persisted by a "concurrent worker" just before
	// the next SaveExchange.
	raceWith *domain.Exchange
	// conflicts is how many upcoming saves are cancelled by DynamoDB because
	// another transaction touched the summary item at the same time.
	conflicts int

	saveCalls int
}

func newMemStore() *memStore {
	return &memStore{
		exchanges: map[string]domain.Exchange{},
		turns:     map[string][]domain.ConversationTurn{},
		counts:    map[string]int{},
		last:      map[string][2]string{},
		usage:     map[string]domain.TokenUsage{},
	}
}

func markerKey(userID, key string) string { return userID + "|" + key }

func (s *memStore) RecentTurns(_ context.Context, userID string, limit int) ([]domain.ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recentErr != nil {
		return nil, s.recentErr
	}
	all := s.turns[userID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]domain.ConversationTurn(nil), all...), nil
}

func (s *memStore) FindExchange(_ context.Context, userID, key string) (domain.Exchange, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return domain.Exchange{}, false, s.findErr
	}
	ex, ok := s.exchanges[markerKey(userID, key)]
	return ex, ok, nil
}

func (s *memStore) SaveExchange(_ context.Context, ex domain.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.conflicts > 0 {
		s.conflicts--
		return fmt.Errorf("memstore: %w", summaryConflict())
	}
	if s.raceWith != nil {
		s.commit(*s.raceWith)
		s.raceWith = nil
	}
	if _, exists := s.exchanges[markerKey(ex.UserID, ex.IdempotencyKey)]; exists {
		return fmt.Errorf("memstore: %w", domain.ErrExchangeExists)
	}
	s.commit(ex)
	return nil
}

// summaryConflict is the cancellation DynamoDB returns when the marker and
// turn puts pass but the summary update collides with another transaction.
func summaryConflict() error {
	return &types.TransactionCanceledException{
		Message: aws.String("Transaction cancelled"),
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("None")},
			{Code: aws.String("None")},
			{Code: aws.String("None")},
			{Code: aws.String("TransactionConflict")},
		},
	}
}

func (s *memStore) commit(ex domain.Exchange) {
	s.exchanges[markerKey(ex.UserID, ex.IdempotencyKey)] = ex
	turns := append(s.turns[ex.UserID], ex.UserTurn, ex.AssistantTurn)
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].CreatedAt.Before(turns[j].CreatedAt) })
	s.turns[ex.UserID] = turns
	s.counts[ex.UserID]++
	s.last[ex.UserID] = [2]string{ex.UserTurn.Text, ex.AssistantTurn.Text}
}

func (s *memStore) RecordUsage(_ context.Context, userID string, usage domain.TokenUsage, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usageErr != nil {
		return s.usageErr
	}
	u := s.usage[userID]
	u.PromptTokens += usage.PromptTokens
	u.CompletionTokens += usage.CompletionTokens
	u.TotalTokens += usage.TotalTokens
	s.usage[userID] = u
	return nil
}

func (s *memStore) count(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[userID]
}

func (s *memStore) turnsFor(userID string) []domain.ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ConversationTurn(nil), s.turns[userID]...)
}

// seed stores n prior exchanges for a user, oldest first.
func (s *memStore) seed(userID string, n int, from time.Time) {
	for i := 0; i < n; i++ {
		at := from.Add(time.Duration(i) * time.Minute)
		s.commit(domain.Exchange{
			IdempotencyKey: fmt.Sprintf("seed-%d", i),
			UserID:         userID,
			UserTurn:       domain.ConversationTurn{UserID: userID, Role: domain.RoleUser, Text: fmt.Sprintf("q%d", i), CreatedAt: at},
			AssistantTurn:  domain.ConversationTurn{UserID: userID, Role: domain.RoleAssistant, Text: fmt.Sprintf("a%d", i), CreatedAt: at.Add(time.Second)},
		})
	}
}

var errBoom = errors.New("boom")
