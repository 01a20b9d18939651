package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"finance-agent/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
)

// ErrSequenceTaken is returned when the message slot was already written,
// typically by a concurrent turn on the same thread.
var ErrSequenceTaken = errors.New("repository: message sequence already written")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client checkpoints conversation threads in a single DynamoDB table.
//
// The META# item (PK=THREAD#<user>#<thread>) names the thread's current
// generation. Messages live under PK=THREAD#<user>#<thread>#<generation>,
// SK=MSG#<seq>, one item each, so a checkpoint is one conditional put. With a
// TTL every item of a generation shares the same expiry, and an expired or
// missing META# starts a fresh generation, so a partial TTL sweep never leaves
// a thread with holes.
type Client struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

type Option func(*Client)

// WithTTL expires a thread ttl after its first message. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.ttl = ttl
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
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
	c := &Client{api: api, tableName: tableName, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.ttl < 0 {
		return nil, errors.New("repository: ttl must not be negative")
	}
	return c, nil
}

// threadPK returns the partition key of the thread's META# item.
func threadPK(key domain.ThreadKey) string {
	return "THREAD#" + key.UserID + "#" + key.ThreadID
}

// messagesPK returns the partition key holding one generation's messages.
func messagesPK(key domain.ThreadKey, generation string) string {
	return threadPK(key) + "#" + generation
}

func msgSK(seq int) string {
	return fmt.Sprintf("%s%08d", skPrefixMsg, seq)
}

func seqFromSK(sk string) (int, error) {
	if !strings.HasPrefix(sk, skPrefixMsg) {
		return 0, fmt.Errorf("repository: unexpected sort key %q", sk)
	}
	return strconv.Atoi(strings.TrimPrefix(sk, skPrefixMsg))
}

// threadMeta is the decoded META# item.
type threadMeta struct {
	generation string
	messages   int
	expiresAt  int64 // unix seconds, 0 when the thread never expires
}

func (m threadMeta) expired(now time.Time) bool {
	return m.expiresAt > 0 && m.expiresAt <= now.Unix()
}

// loadMeta returns the live META# item. ok is false for a thread that was
// never written or whose generation has expired.
func (c *Client) loadMeta(ctx context.Context, key domain.ThreadKey) (threadMeta, bool, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND SK = :sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: threadPK(key)},
			":sk": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return threadMeta{}, false, fmt.Errorf("repository: load thread meta: %w", err)
	}
	if len(out.Items) == 0 {
		return threadMeta{}, false, nil
	}
	item := out.Items[0]
	var m threadMeta
	if m.generation, err = strAttr(item, "generation"); err != nil {
		return threadMeta{}, false, err
	}
	if m.messages, err = intAttr(item, "messages"); err != nil {
		return threadMeta{}, false, err
	}
	if _, ok := item["ttl"]; ok {
		ttl, err := intAttr(item, "ttl")
		if err != nil {
			return threadMeta{}, false, err
		}
		m.expiresAt = int64(ttl)
	}
	if m.expired(c.now()) {
		return threadMeta{}, false, nil
	}
	return m, true, nil
}

// LoadThread reads every message of the thread's live generation in sequence
// order. An expired thread loads as empty.
func (c *Client) LoadThread(ctx context.Context, key domain.ThreadKey) (domain.ConversationState, error) {
	state := domain.ConversationState{Key: key}
	meta, ok, err := c.loadMeta(ctx, key)
	if err != nil {
		return state, fmt.Errorf("repository: LoadThread %s: %w", key, err)
	}
	if !ok {
		return state, nil
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: messagesPK(key, meta.generation)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return state, fmt.Errorf("repository: LoadThread query: %w", err)
		}
		for _, item := range out.Items {
			seq, msg, err := itemToMessage(item)
			if err != nil {
				return state, fmt.Errorf("repository: LoadThread %s: %w", key, err)
			}
			if seq != len(state.Messages) {
				return state, fmt.Errorf("repository: LoadThread %s: gap at sequence %d", key, len(state.Messages))
			}
			state.Messages = append(state.Messages, msg)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	if len(state.Messages) != meta.messages {
		return state, fmt.Errorf("repository: LoadThread %s: found %d messages, meta records %d", key, len(state.Messages), meta.messages)
	}
	return state, nil
}

// AppendMessage writes the message at seq and advances the thread metadata in
// one transaction. Seq 0 opens a new generation; any other seq must extend the
// live one exactly.
func (c *Client) AppendMessage(ctx context.Context, key domain.ThreadKey, seq int, msg domain.Message) error {
	payload, err := domain.EncodeMessage(msg)
	if err != nil {
		return err
	}
	now := c.now().UTC()

	var (
		meta       threadMeta
		metaCond   string
		condValues = map[string]types.AttributeValue{}
		condNames  map[string]string
	)
	if seq == 0 {
		meta = threadMeta{generation: strconv.FormatInt(now.UnixNano(), 10)}
		if c.ttl > 0 {
			meta.expiresAt = now.Add(c.ttl).Unix()
		}
		// only an absent or expired thread can be restarted
		metaCond = "attribute_not_exists(PK) OR #ttl <= :now"
		condNames = map[string]string{"#ttl": "ttl"}
		condValues[":now"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)}
	} else {
		live, ok, err := c.loadMeta(ctx, key)
		if err != nil {
			return fmt.Errorf("repository: AppendMessage: %w", err)
		}
		if !ok || live.messages != seq {
			return fmt.Errorf("%w: %s seq %d", ErrSequenceTaken, key, seq)
		}
		meta = live
		metaCond = "generation = :gen AND messages = :seq"
		condValues[":gen"] = &types.AttributeValueMemberS{Value: meta.generation}
		condValues[":seq"] = &types.AttributeValueMemberN{Value: strconv.Itoa(seq)}
	}
	meta.messages = seq + 1

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                c.messageItem(key, meta, seq, msg.Role, string(payload), now),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:                 aws.String(c.tableName),
					Item:                      c.metaItem(key, meta, now),
					ConditionExpression:       aws.String(metaCond),
					ExpressionAttributeNames:  condNames,
					ExpressionAttributeValues: condValues,
				},
			},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return fmt.Errorf("%w: %s seq %d", ErrSequenceTaken, key, seq)
		}
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

func conditionFailed(err error) bool {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false
	}
	for _, r := range canceled.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func (c *Client) messageItem(key domain.ThreadKey, meta threadMeta, seq int, role domain.Role, payload string, now time.Time) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: messagesPK(key, meta.generation)},
		"SK":            &types.AttributeValueMemberS{Value: msgSK(seq)},
		"userId":        &types.AttributeValueMemberS{Value: key.UserID},
		"threadId":      &types.AttributeValueMemberS{Value: key.ThreadID},
		"role":          &types.AttributeValueMemberS{Value: string(role)},
		"payload":       &types.AttributeValueMemberS{Value: payload},
		"schemaVersion": &types.AttributeValueMemberN{Value: strconv.Itoa(domain.MessageSchemaVersion)},
		"createdAt":     &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}
	setTTL(item, meta)
	return item
}

func (c *Client) metaItem(key domain.ThreadKey, meta threadMeta, now time.Time) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: threadPK(key)},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"userId":       &types.AttributeValueMemberS{Value: key.UserID},
		"threadId":     &types.AttributeValueMemberS{Value: key.ThreadID},
		"generation":   &types.AttributeValueMemberS{Value: meta.generation},
		"lastActivity": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		"messages":     &types.AttributeValueMemberN{Value: strconv.Itoa(meta.messages)},
	}
	setTTL(item, meta)
	return item
}

func setTTL(item map[string]types.AttributeValue, meta threadMeta) {
	if meta.expiresAt > 0 {
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(meta.expiresAt, 10)}
	}
}

// itemToMessage converts a DynamoDB attribute map to a sequenced Message.
func itemToMessage(item map[string]types.AttributeValue) (int, domain.Message, error) {
	sk, err := strAttr(item, "SK")
	if err != nil {
		return 0, domain.Message{}, err
	}
	seq, err := seqFromSK(sk)
	if err != nil {
		return 0, domain.Message{}, err
	}
	payload, err := strAttr(item, "payload")
	if err != nil {
		return 0, domain.Message{}, err
	}
	msg, err := domain.DecodeMessage([]byte(payload))
	if err != nil {
		return 0, domain.Message{}, fmt.Errorf("message %d: %w", seq, err)
	}
	return seq, msg, nil
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
	i, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: attribute %q: %w", key, err)
	}
	return i, nil
}
