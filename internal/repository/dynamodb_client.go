package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"message-pipeline/internal/domain"
)

const (
	skPrefixMsg      = "MSG#"
	skPrefixDelivery = "DLV#"
	skMeta           = "META#"
	pkPrefixUser     = "USER#"
	pkPrefixUsage    = "USAGE#"

	// Fixed width so sort keys order lexicographically.
	sortableTime = "2006-01-02T15:04:05.000000000Z"
	usageDay     = "2006-01-02"

	condNotExists = "attribute_not_exists(PK) AND attribute_not_exists(SK)"
	condCheckFail = "ConditionalCheckFailed"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding conversation turns, per-user
// summaries, delivery markers and daily usage counters.
type Client struct {
	api       dynamodbAPI
	tableName string
	itemTTL   time.Duration
}

type Option func(*Client)

// WithItemTTL stamps turn and marker items with a `ttl` attribute d in the
// future. Zero disables expiry.
func WithItemTTL(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.itemTTL = d
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func userPK(userID string) string {
	return pkPrefixUser + userID
}

// turnSK orders turns by creation time; the key and position keep the two
// turns of one exchange distinct even with equal timestamps.
func turnSK(ts time.Time, key string, n int) string {
	return skPrefixMsg + ts.UTC().Format(sortableTime) + "#" + key + "#" + strconv.Itoa(n)
}

func deliverySK(key string) string {
	return skPrefixDelivery + key
}

func usagePK(at time.Time) string {
	return pkPrefixUsage + at.UTC().Format(usageDay)
}

func keyOf(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// RecentTurns returns up to limit of the user's newest turns, oldest first.
func (c *Client) RecentTurns(ctx context.Context, userID string, limit int) ([]domain.ConversationTurn, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("repository: RecentTurns: user id is required")
	}
	if limit <= 0 {
		return nil, nil
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentTurns query: %w", err)
	}

	turns := make([]domain.ConversationTurn, 0, len(out.Items))
	for _, item := range out.Items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: RecentTurns unmarshal: %w", err)
		}
		turns = append(turns, turn)
	}
	// Reverse to chronological order before returning to context assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// FindExchange loads the exchange persisted for an idempotency key. The
// boolean is false when no exchange exists yet.
func (c *Client) FindExchange(ctx context.Context, userID, key string) (domain.Exchange, bool, error) {
	if userID == "" || key == "" {
		return domain.Exchange{}, false, errors.New("repository: FindExchange: user id and key are required")
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            keyOf(userPK(userID), deliverySK(key)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Exchange{}, false, fmt.Errorf("repository: FindExchange get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Exchange{}, false, nil
	}

	payload, err := strAttr(out.Item, "exchange")
	if err != nil {
		return domain.Exchange{}, false, fmt.Errorf("repository: FindExchange: %w", err)
	}
	var ex domain.Exchange
	if err := json.Unmarshal([]byte(payload), &ex); err != nil {
		return domain.Exchange{}, false, fmt.Errorf("repository: FindExchange decode exchange: %w", err)
	}
	return ex, true, nil
}

// SaveExchange writes the delivery marker, both turns and the summary update
// in one transaction. If the marker already exists nothing is written and the
// returned error wraps domain.ErrExchangeExists.
func (c *Client) SaveExchange(ctx context.Context, ex domain.Exchange) error {
	if ex.UserID == "" || ex.IdempotencyKey == "" {
		return errors.New("repository: SaveExchange: user id and idempotency key are required")
	}
	if ex.UserTurn.Text == "" || ex.AssistantTurn.Text == "" {
		return errors.New("repository: SaveExchange: both turns are required")
	}

	payload, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("repository: SaveExchange encode exchange: %w", err)
	}

	pk := userPK(ex.UserID)
	marker := keyOf(pk, deliverySK(ex.IdempotencyKey))
	marker["exchange"] = &types.AttributeValueMemberS{Value: string(payload)}
	marker["completedAt"] = &types.AttributeValueMemberS{Value: ex.CompletedAt.UTC().Format(time.RFC3339Nano)}
	c.stampTTL(marker, ex.CompletedAt)

	userItem := turnItem(ex.UserTurn, turnSK(ex.UserTurn.CreatedAt, ex.IdempotencyKey, 0))
	assistantItem := turnItem(ex.AssistantTurn, turnSK(ex.AssistantTurn.CreatedAt, ex.IdempotencyKey, 1))
	c.stampTTL(userItem, ex.CompletedAt)
	c.stampTTL(assistantItem, ex.CompletedAt)

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                marker,
					ConditionExpression: aws.String(condNotExists),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                userItem,
					ConditionExpression: aws.String(condNotExists),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                assistantItem,
					ConditionExpression: aws.String(condNotExists),
				},
			},
			{
				Update: &types.Update{
					TableName:        aws.String(c.tableName),
					Key:              keyOf(pk, skMeta),
					UpdateExpression: aws.String("SET userId = :uid, lastActivity = :ts, lastMessage = :msg, lastResponse = :resp ADD messageCount :one"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":uid":  &types.AttributeValueMemberS{Value: ex.UserID},
						":ts":   &types.AttributeValueMemberS{Value: ex.CompletedAt.UTC().Format(time.RFC3339Nano)},
						":msg":  &types.AttributeValueMemberS{Value: ex.UserTurn.Text},
						":resp": &types.AttributeValueMemberS{Value: ex.AssistantTurn.Text},
						":one":  &types.AttributeValueMemberN{Value: "1"},
					},
				},
			},
		},
	})
	if err != nil {
		if markerConflict(err) {
			return fmt.Errorf("repository: SaveExchange: %w", domain.ErrExchangeExists)
		}
		return fmt.Errorf("repository: SaveExchange: %w", err)
	}
	return nil
}

// markerConflict reports whether a cancelled transaction failed on the
// delivery marker condition (the first item).
func markerConflict(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) || len(tce.CancellationReasons) == 0 {
		return false
	}
	return aws.ToString(tce.CancellationReasons[0].Code) == condCheckFail
}

// GetSummary returns the user's conversation summary. A user without history
// gets a zero summary.
func (c *Client) GetSummary(ctx context.Context, userID string) (domain.ConversationSummary, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            keyOf(userPK(userID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationSummary{}, fmt.Errorf("repository: GetSummary get item: %w", err)
	}
	summary := domain.ConversationSummary{UserID: userID}
	if out == nil || len(out.Item) == 0 {
		return summary, nil
	}

	count, err := intAttr(out.Item, "messageCount")
	if err != nil {
		return domain.ConversationSummary{}, fmt.Errorf("repository: GetSummary decode messageCount: %w", err)
	}
	summary.MessageCount = count
	summary.LastMessage, _ = strAttr(out.Item, "lastMessage")
	summary.LastResponse, _ = strAttr(out.Item, "lastResponse")
	if ts, err := strAttr(out.Item, "lastActivity"); err == nil {
		summary.LastActivity, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return summary, nil
}

// RecordUsage adds one request and its token counts to the user's daily
// usage counters.
func (c *Client) RecordUsage(ctx context.Context, userID string, usage domain.TokenUsage, at time.Time) error {
	if userID == "" {
		return errors.New("repository: RecordUsage: user id is required")
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              keyOf(usagePK(at), userPK(userID)),
		UpdateExpression: aws.String("SET lastRequestAt = :ts ADD requests :one, promptTokens :p, completionTokens :c, totalTokens :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ts":  &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)},
			":one": &types.AttributeValueMemberN{Value: "1"},
			":p":   numAttr(int64(usage.PromptTokens)),
			":c":   numAttr(int64(usage.CompletionTokens)),
			":t":   numAttr(int64(usage.TotalTokens)),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: RecordUsage: %w", err)
	}
	return nil
}

func (c *Client) stampTTL(item map[string]types.AttributeValue, from time.Time) {
	if c.itemTTL <= 0 {
		return
	}
	item["ttl"] = numAttr(from.Add(c.itemTTL).Unix())
}

func turnItem(turn domain.ConversationTurn, sk string) map[string]types.AttributeValue {
	item := keyOf(userPK(turn.UserID), sk)
	item["id"] = &types.AttributeValueMemberS{Value: turn.ID}
	item["userId"] = &types.AttributeValueMemberS{Value: turn.UserID}
	item["role"] = &types.AttributeValueMemberS{Value: string(turn.Role)}
	item["text"] = &types.AttributeValueMemberS{Value: turn.Text}
	item["createdAt"] = &types.AttributeValueMemberS{Value: turn.CreatedAt.UTC().Format(time.RFC3339Nano)}
	if turn.IdempotencyKey != "" {
		item["idempotencyKey"] = &types.AttributeValueMemberS{Value: turn.IdempotencyKey}
	}
	if turn.Model != "" {
		item["model"] = &types.AttributeValueMemberS{Value: turn.Model}
	}
	if turn.ProcessingTimeMS > 0 {
		item["processingTimeMs"] = numAttr(turn.ProcessingTimeMS)
	}
	if turn.Usage != nil {
		item["promptTokens"] = numAttr(int64(turn.Usage.PromptTokens))
		item["completionTokens"] = numAttr(int64(turn.Usage.CompletionTokens))
		item["totalTokens"] = numAttr(int64(turn.Usage.TotalTokens))
	}
	return item
}

// itemToTurn converts a DynamoDB attribute map to a ConversationTurn.
func itemToTurn(item map[string]types.AttributeValue) (domain.ConversationTurn, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	createdRaw, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	created, err := time.Parse(time.RFC3339Nano, createdRaw)
	if err != nil {
		return domain.ConversationTurn{}, fmt.Errorf("repository: parse attribute %q: %w", "createdAt", err)
	}

	turn := domain.ConversationTurn{
		Role:      domain.Role(role),
		Text:      text,
		CreatedAt: created,
	}
	turn.ID, _ = strAttr(item, "id")
	turn.UserID, _ = strAttr(item, "userId")
	turn.Model, _ = strAttr(item, "model")
	turn.IdempotencyKey, _ = strAttr(item, "idempotencyKey")
	if ms, err := intAttr(item, "processingTimeMs"); err == nil {
		turn.ProcessingTimeMS = int64(ms)
	}
	if total, err := intAttr(item, "totalTokens"); err == nil {
		prompt, _ := intAttr(item, "promptTokens")
		completion, _ := intAttr(item, "completionTokens")
		turn.Usage = &domain.TokenUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
	}
	return turn, nil
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
