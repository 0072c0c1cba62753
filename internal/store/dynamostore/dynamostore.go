// Package dynamostore keeps observation records and the customer reference
// table in DynamoDB. Tables are named after the project:
// <project>-observations, <project>-customer-records (with a macAddress GSI)
// and <project>-ingestion-errors.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/CiscoSE/serverless-cmx/internal/model"
	"github.com/CiscoSE/serverless-cmx/internal/store"
)

// MacAddressIndex is the GSI used for customer lookups.
const MacAddressIndex = "macAddress-index"

// API is the subset of the DynamoDB client the store needs.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Config selects the AWS region, an optional endpoint override (DynamoDB
// Local) and the table name prefix.
type Config struct {
	Region      string
	Endpoint    string
	TablePrefix string
}

// Store implements the observation and customer stores on DynamoDB.
type Store struct {
	client      API
	observation string
	customer    string
	ingestion   string
	now         func() time.Time
}

// Open builds a DynamoDB client from the default AWS credential chain.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return New(client, cfg.TablePrefix), nil
}

// New wraps an existing client.
func New(client API, tablePrefix string) *Store {
	return &Store{
		client:      client,
		observation: tablePrefix + "-observations",
		customer:    tablePrefix + "-customer-records",
		ingestion:   tablePrefix + "-ingestion-errors",
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *Store) Close() error {
	return nil
}

type observationItem struct {
	ID           string `dynamodbav:"id"`
	Kind         string `dynamodbav:"kind"`
	SeenTime     string `dynamodbav:"seenTime"`
	SeenEpoch    string `dynamodbav:"seenEpoch"`
	MAC          string `dynamodbav:"MAC"`
	APMAC        string `dynamodbav:"apMAC"`
	Associated   string `dynamodbav:"Associated"`
	SSID         string `dynamodbav:"SSID"`
	IPv4         string `dynamodbav:"IPv4"`
	IPv6         string `dynamodbav:"IPv6"`
	Manufacturer string `dynamodbav:"Manufacturer"`
	RSSI         string `dynamodbav:"RSSI"`
	OS           string `dynamodbav:"OS"`
	ReceivedAt   string `dynamodbav:"receivedAt"`
}

func (i observationItem) record() model.ObservationRecord {
	received, _ := time.Parse(time.RFC3339Nano, i.ReceivedAt)
	return model.ObservationRecord{
		ID:             i.ID,
		Kind:           model.RecordKind(i.Kind),
		SeenAt:         i.SeenTime,
		SeenAtEpoch:    i.SeenEpoch,
		ClientID:       i.MAC,
		APIdentifier:   i.APMAC,
		Associated:     i.Associated,
		Network:        i.SSID,
		IPv4:           i.IPv4,
		IPv6:           i.IPv6,
		Manufacturer:   i.Manufacturer,
		SignalStrength: i.RSSI,
		OS:             i.OS,
		ReceivedAt:     received,
	}
}

type customerItem struct {
	ID                  string `dynamodbav:"id"`
	MacAddress          string `dynamodbav:"macAddress"`
	FirstName           string `dynamodbav:"firstName"`
	Surname             string `dynamodbav:"surname"`
	Email               string `dynamodbav:"email"`
	MobilePhoneNumber   string `dynamodbav:"mobilePhoneNumber"`
	LoyaltySchemeMember bool   `dynamodbav:"loyaltySchemeMember"`
	ClickAndCollect     bool   `dynamodbav:"clickAndCollect"`
	LastSeen            int64  `dynamodbav:"lastSeen"`
	ObservingAP         string `dynamodbav:"observingAp"`
	Version             int64  `dynamodbav:"version"`
}

func newCustomerItem(c model.CustomerRecord) customerItem {
	return customerItem{
		ID:                  c.ID,
		MacAddress:          c.ClientID,
		FirstName:           c.FirstName,
		Surname:             c.Surname,
		Email:               c.Email,
		MobilePhoneNumber:   c.PhoneNumber,
		LoyaltySchemeMember: c.LoyaltyMember,
		ClickAndCollect:     c.ClickAndCollect,
		LastSeen:            c.LastSeenEpoch,
		ObservingAP:         c.ObservingAP,
		Version:             c.Version,
	}
}

func (i customerItem) record() model.CustomerRecord {
	return model.CustomerRecord{
		ID:              i.ID,
		ClientID:        i.MacAddress,
		FirstName:       i.FirstName,
		Surname:         i.Surname,
		Email:           i.Email,
		PhoneNumber:     i.MobilePhoneNumber,
		LoyaltyMember:   i.LoyaltySchemeMember,
		ClickAndCollect: i.ClickAndCollect,
		LastSeenEpoch:   i.LastSeen,
		ObservingAP:     i.ObservingAP,
		Version:         i.Version,
	}
}

// InsertObservation writes one record under a freshly generated identifier.
func (s *Store) InsertObservation(ctx context.Context, r model.ObservationRecord) (string, error) {
	item := observationItem{
		ID:           uuid.NewString(),
		Kind:         string(r.Kind),
		SeenTime:     r.SeenAt,
		SeenEpoch:    r.SeenAtEpoch,
		MAC:          r.ClientID,
		APMAC:        r.APIdentifier,
		Associated:   r.Associated,
		SSID:         r.Network,
		IPv4:         r.IPv4,
		IPv6:         r.IPv6,
		Manufacturer: r.Manufacturer,
		RSSI:         r.SignalStrength,
		OS:           r.OS,
		ReceivedAt:   s.now().Format(time.RFC3339Nano),
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return "", fmt.Errorf("marshal observation: %w", err)
	}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.observation),
		Item:      av,
	}); err != nil {
		return "", fmt.Errorf("put observation: %w", err)
	}

	return item.ID, nil
}

// RecentObservations scans the observation table and returns the newest records first.
func (s *Store) RecentObservations(ctx context.Context, kind model.RecordKind, limit int) ([]model.ObservationRecord, error) {
	if limit <= 0 {
		limit = 25
	}

	records, err := s.scanObservations(ctx, kind)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ReceivedAt.After(records[j].ReceivedAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// AllObservations returns every record ordered by receive time.
func (s *Store) AllObservations(ctx context.Context) ([]model.ObservationRecord, error) {
	records, err := s.scanObservations(ctx, "")
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ReceivedAt.Before(records[j].ReceivedAt)
	})
	return records, nil
}

func (s *Store) scanObservations(ctx context.Context, kind model.RecordKind) ([]model.ObservationRecord, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(s.observation)}
	if kind != "" {
		expr, err := expression.NewBuilder().
			WithFilter(expression.Name("kind").Equal(expression.Value(string(kind)))).
			Build()
		if err != nil {
			return nil, fmt.Errorf("build observation filter: %w", err)
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	var records []model.ObservationRecord
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan observations: %w", err)
		}
		var items []observationItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal observations: %w", err)
		}
		for _, item := range items {
			records = append(records, item.record())
		}
	}
	return records, nil
}

// InsertCustomer creates a reference record under a new identifier.
func (s *Store) InsertCustomer(ctx context.Context, c model.CustomerRecord) (model.CustomerRecord, error) {
	c.ID = uuid.NewString()
	c.Version = 0

	av, err := attributevalue.MarshalMap(newCustomerItem(c))
	if err != nil {
		return model.CustomerRecord{}, fmt.Errorf("marshal customer: %w", err)
	}

	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name("id"))).
		Build()
	if err != nil {
		return model.CustomerRecord{}, fmt.Errorf("build customer condition: %w", err)
	}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.customer),
		Item:                      av,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}); err != nil {
		return model.CustomerRecord{}, fmt.Errorf("put customer: %w", err)
	}

	return c, nil
}

// FindCustomers queries the macAddress index. DynamoDB gives no ordering guarantee across items.
func (s *Store) FindCustomers(ctx context.Context, clientID string) ([]model.CustomerRecord, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("macAddress").Equal(expression.Value(clientID))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build customer query: %w", err)
	}

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.customer),
		IndexName:                 aws.String(MacAddressIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	var customers []model.CustomerRecord
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query customers: %w", err)
		}
		var items []customerItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal customers: %w", err)
		}
		for _, item := range items {
			customers = append(customers, item.record())
		}
	}
	return customers, nil
}

// ListCustomers scans the whole reference table.
func (s *Store) ListCustomers(ctx context.Context) ([]model.CustomerRecord, error) {
	var customers []model.CustomerRecord
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{TableName: aws.String(s.customer)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan customers: %w", err)
		}
		var items []customerItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal customers: %w", err)
		}
		for _, item := range items {
			customers = append(customers, item.record())
		}
	}
	return customers, nil
}

// RecordSighting updates the last-seen fields with a version condition.
// A failed condition is reported as store.ErrVersionConflict together with the
// current record, or store.ErrNotFound when the item does not exist.
func (s *Store) RecordSighting(ctx context.Context, id string, expectedVersion, seenEpoch int64, apIdentifier string) (model.CustomerRecord, error) {
	update := expression.
		Set(expression.Name("lastSeen"), expression.Value(seenEpoch)).
		Set(expression.Name("observingAp"), expression.Value(apIdentifier)).
		Add(expression.Name("version"), expression.Value(1))
	cond := expression.AttributeExists(expression.Name("id")).
		And(expression.Name("version").Equal(expression.Value(expectedVersion)))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return model.CustomerRecord{}, fmt.Errorf("build sighting update: %w", err)
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.customer),
		Key:                                 map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		UpdateExpression:                    expr.Update(),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return model.CustomerRecord{}, store.ErrNotFound
			}
			var current customerItem
			if uerr := attributevalue.UnmarshalMap(ccf.Item, &current); uerr != nil {
				return model.CustomerRecord{}, fmt.Errorf("unmarshal current customer: %w", uerr)
			}
			return current.record(), store.ErrVersionConflict
		}
		return model.CustomerRecord{}, fmt.Errorf("update customer: %w", err)
	}

	var updated customerItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &updated); err != nil {
		return model.CustomerRecord{}, fmt.Errorf("unmarshal updated customer: %w", err)
	}
	return updated.record(), nil
}

type ingestionItem struct {
	ID        string `dynamodbav:"id"`
	Source    string `dynamodbav:"source"`
	Payload   string `dynamodbav:"payload"`
	Error     string `dynamodbav:"error"`
	CreatedAt string `dynamodbav:"createdAt"`
}

// InsertIngestionError records a payload that failed decoding.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	av, err := attributevalue.MarshalMap(ingestionItem{
		ID:        uuid.NewString(),
		Source:    e.Source,
		Payload:   e.Payload,
		Error:     e.Error,
		CreatedAt: s.now().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal ingestion error: %w", err)
	}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.ingestion),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("put ingestion error: %w", err)
	}
	return nil
}
