package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/baldanca/widget-consumer/widget"
)

type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type SinkDynamoDBConfig struct {
	// StrictAttributes turns otherAttributes name collisions into
	// ErrAttributeCollision instead of last-write-wins.
	StrictAttributes bool
}

// SinkDynamoDB stores each widget as a flat item keyed by id.
type SinkDynamoDB struct {
	cfg    SinkDynamoDBConfig
	client dynamoAPI
	log    zerolog.Logger

	table    string
	tablePtr *string
}

func NewSinkDynamoDB(client dynamoAPI, table string, cfg SinkDynamoDBConfig, log zerolog.Logger) *SinkDynamoDB {
	if client == nil {
		panic("dynamodb client is required")
	}
	if strings.TrimSpace(table) == "" {
		panic("table is required")
	}

	s := &SinkDynamoDB{
		cfg:    cfg,
		client: client,
		table:  table,
		log:    log.With().Str("component", "SinkDynamoDB").Str("table", table).Logger(),
	}
	s.tablePtr = &s.table
	s.log.Info().Msg("DynamoDB storage initialized")
	return s
}

func (s *SinkDynamoDB) CreateWidget(ctx context.Context, req widget.Request) error {
	if req.Owner == nil {
		return fmt.Errorf("%w: dynamodb create of widget %q requires owner", ErrContractViolation, req.WidgetID)
	}

	var item Item
	if s.cfg.StrictAttributes {
		var err error
		if item, err = FlattenStrict(req); err != nil {
			return err
		}
	} else {
		item = Flatten(req)
	}

	av, err := attributevalue.MarshalMap(map[string]any(item))
	if err != nil {
		return fmt.Errorf("marshal item id=%q: %w", req.WidgetID, err)
	}

	s.log.Info().Str("widget_id", req.WidgetID).Msg("Storing widget")
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: s.tablePtr, Item: av}); err != nil {
		return fmt.Errorf("put dynamodb item id=%q: %w", req.WidgetID, err)
	}
	return nil
}

// UpdateWidget applies a partial update of the fields present in req. A
// request with nothing to update is skipped without calling DynamoDB.
func (s *SinkDynamoDB) UpdateWidget(ctx context.Context, req widget.Request) error {
	u := BuildUpdate(req)
	if u.Empty() {
		s.log.Warn().Str("widget_id", req.WidgetID).Msg("update request had no fields to update, skipping")
		return nil
	}
	if s.cfg.StrictAttributes {
		if err := checkUpdateNames(u); err != nil {
			return err
		}
	}

	values := make(map[string]ddbtypes.AttributeValue, len(u.Values))
	for ph, v := range u.Values {
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s for id=%q: %w", ph, req.WidgetID, err)
		}
		values[ph] = av
	}

	s.log.Info().Str("widget_id", req.WidgetID).Msg("Updating widget")
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 s.tablePtr,
		Key:                       keyOf(req.WidgetID),
		UpdateExpression:          &u.Expression,
		ExpressionAttributeNames:  u.Names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("update dynamodb item id=%q: %w", req.WidgetID, err)
	}
	return nil
}

func (s *SinkDynamoDB) DeleteWidget(ctx context.Context, req widget.Request) error {
	s.log.Info().Str("widget_id", req.WidgetID).Msg("Deleting widget")
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: s.tablePtr, Key: keyOf(req.WidgetID)}); err != nil {
		return fmt.Errorf("delete dynamodb item id=%q: %w", req.WidgetID, err)
	}
	return nil
}

func keyOf(widgetID string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		FieldID: &ddbtypes.AttributeValueMemberS{Value: widgetID},
	}
}
