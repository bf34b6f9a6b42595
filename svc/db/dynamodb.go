package db

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"

	"ciphernotes/pkg/domain"
)

// Dynamo stores one item per paste keyed by "id". The table's TTL attribute
// must be set to "ttl" (epoch seconds) for native expiry.
type Dynamo struct {
	client    *dynamodb.Client
	tableName string
	timeout   time.Duration
}

// NewDynamo connects to tableName. A non-empty endpoint replaces the regional
// one, for DynamoDB Local and compatible stores.
func NewDynamo(ctx context.Context, tableName, region, endpoint string, timeout time.Duration) (*Dynamo, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Dynamo{
		client:    client,
		tableName: tableName,
		timeout:   timeout,
	}, nil
}

func millisAttr(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(toMillis(t), 10)}
}

func pasteToItem(p *domain.Paste) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"id":             &types.AttributeValueMemberS{Value: p.ID},
		"content":        &types.AttributeValueMemberS{Value: p.Content},
		"created_at":     millisAttr(p.CreatedAt),
		"auto_delete":    &types.AttributeValueMemberBOOL{Value: p.AutoDelete},
		"owned_by":       &types.AttributeValueMemberS{Value: p.Owner},
		"client_ip_hash": &types.AttributeValueMemberS{Value: p.ClientIPHash},
		"user_agent":     &types.AttributeValueMemberS{Value: p.UserAgent},
	}
	if p.UpdatedAt != nil {
		item["updated_at"] = millisAttr(*p.UpdatedAt)
	}
	if p.ExpiresAt != nil {
		item["expires_at"] = millisAttr(*p.ExpiresAt)
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(p.ExpiresAt.Unix(), 10)}
	}
	return item
}

func itemToPaste(item map[string]types.AttributeValue) *domain.Paste {
	p := &domain.Paste{}
	str := func(k string) string {
		if v, ok := item[k].(*types.AttributeValueMemberS); ok {
			return v.Value
		}
		return ""
	}
	millis := func(k string) *time.Time {
		v, ok := item[k].(*types.AttributeValueMemberN)
		if !ok {
			return nil
		}
		ms, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil
		}
		return optTime(&ms)
	}
	p.ID = str("id")
	p.Content = str("content")
	p.Owner = str("owned_by")
	p.ClientIPHash = str("client_ip_hash")
	p.UserAgent = str("user_agent")
	if t := millis("created_at"); t != nil {
		p.CreatedAt = *t
	}
	p.UpdatedAt = millis("updated_at")
	p.ExpiresAt = millis("expires_at")
	if v, ok := item["auto_delete"].(*types.AttributeValueMemberBOOL); ok {
		p.AutoDelete = v.Value
	}
	return p
}

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (d *Dynamo) Insert(ctx context.Context, p *domain.Paste) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                pasteToItem(p),
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if isConditionFailed(err) {
		return domain.ErrDuplicateID
	}
	return errors.Wrap(err, "dynamodb put")
}

func (d *Dynamo) Get(ctx context.Context, id string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "dynamodb get")
	}
	if out.Item == nil {
		return nil, domain.ErrPasteNotFound
	}
	return itemToPaste(out.Item), nil
}

func (d *Dynamo) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(d.tableName),
		Key:                  idKey(id),
		ProjectionExpression: aws.String("id"),
	})
	if err != nil {
		return false, errors.Wrap(err, "dynamodb exists")
	}
	return out.Item != nil, nil
}

func (d *Dynamo) UpdateContent(ctx context.Context, id, content string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 idKey(id),
		UpdateExpression:    aws.String("SET content = :c, updated_at = :u"),
		ConditionExpression: aws.String("attribute_exists(id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberS{Value: content},
			":u": millisAttr(at),
		},
	})
	if isConditionFailed(err) {
		return domain.ErrPasteNotFound
	}
	return errors.Wrap(err, "dynamodb update")
}

func (d *Dynamo) Delete(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(d.tableName),
		Key:          idKey(id),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, errors.Wrap(err, "dynamodb delete")
	}
	return len(out.Attributes) > 0, nil
}

// DeleteExpired scans for items past expiry that DynamoDB's TTL process has
// not reached yet. Each delete is conditional so a concurrent update or
// delete is never clobbered.
func (d *Dynamo) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	p := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{
		TableName:            aws.String(d.tableName),
		ProjectionExpression: aws.String("id"),
		FilterExpression:     aws.String("expires_at <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": millisAttr(before),
		},
	})
	n := 0
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return n, errors.Wrap(err, "dynamodb scan expired")
		}
		for _, item := range page.Items {
			id, ok := item["id"].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:           aws.String(d.tableName),
				Key:                 idKey(id.Value),
				ConditionExpression: aws.String("expires_at <= :now"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":now": millisAttr(before),
				},
			})
			if isConditionFailed(err) {
				continue
			}
			if err != nil {
				return n, errors.Wrap(err, "dynamodb delete expired")
			}
			n++
		}
	}
	return n, nil
}

func (d *Dynamo) Count(ctx context.Context) (int, error) {
	p := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{
		TableName:        aws.String(d.tableName),
		Select:           types.SelectCount,
		FilterExpression: aws.String("attribute_not_exists(expires_at) OR expires_at > :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": millisAttr(time.Now()),
		},
	})
	n := 0
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, errors.Wrap(err, "dynamodb count")
		}
		n += int(page.Count)
	}
	return n, nil
}

func (d *Dynamo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
	return errors.Wrap(err, "dynamodb describe table")
}

func (d *Dynamo) Close() error {
	return nil
}
