/*
 * Copyright (c) 2018 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */

package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/vmware/vmware-go-eph/clientlibrary/config"
	"github.com/vmware/vmware-go-eph/clientlibrary/utils"
	"github.com/vmware/vmware-go-eph/logger"
)

const (
	LeaseKeyKey       = "PartitionID"
	LeaseOwnerKey     = "Owner"
	LeaseTokenKey     = "Token"
	LeaseEpochKey     = "Epoch"
	LeaseTimeoutKey   = "LeaseTimeout"
	OffsetKey         = "Offset"
	SequenceNumberKey = "SequenceNumber"

	// NumMaxRetries is the max times of doing retry
	NumMaxRetries = 10

	// leaseTimeoutFormat is fixed width so that stored values sort chronologically.
	leaseTimeoutFormat = "2006-01-02T15:04:05.000000000Z"
)

// leaseItem is the DynamoDB item of one partition. Leases and checkpoints share it.
type leaseItem struct {
	PartitionID    string `dynamodbav:"PartitionID"`
	Owner          string `dynamodbav:"Owner,omitempty"`
	Token          string `dynamodbav:"Token,omitempty"`
	Epoch          int64  `dynamodbav:"Epoch"`
	LeaseTimeout   string `dynamodbav:"LeaseTimeout,omitempty"`
	Offset         string `dynamodbav:"Offset,omitempty"`
	SequenceNumber int64  `dynamodbav:"SequenceNumber"`
}

// DynamoStore implements Store using a DynamoDB table as a backend.
// Every write is a conditional write on the observed owner, token or epoch.
type DynamoStore struct {
	log                     logger.Logger
	TableName               string
	leaseTableReadCapacity  int64
	leaseTableWriteCapacity int64

	hostName      string
	leaseDuration time.Duration
	renewInterval time.Duration
	svc           dynamodbiface.DynamoDBAPI
	hostConfig    *config.HostConfiguration
	Retries       int
}

func NewDynamoStore(hostConfig *config.HostConfiguration) *DynamoStore {
	return &DynamoStore{
		log:                     hostConfig.Logger,
		TableName:               hostConfig.TableName,
		leaseTableReadCapacity:  int64(hostConfig.InitialLeaseTableReadCapacity),
		leaseTableWriteCapacity: int64(hostConfig.InitialLeaseTableWriteCapacity),
		hostName:                hostConfig.HostName,
		leaseDuration:           hostConfig.LeaseDuration(),
		renewInterval:           hostConfig.LeaseRenewInterval(),
		hostConfig:              hostConfig,
		Retries:                 NumMaxRetries,
	}
}

// WithDynamoDB is used to provide DynamoDB service
func (d *DynamoStore) WithDynamoDB(svc dynamodbiface.DynamoDBAPI) *DynamoStore {
	d.svc = svc
	return d
}

// Init creates the DynamoDB client unless one was provided with WithDynamoDB.
func (d *DynamoStore) Init() error {
	if d.svc != nil {
		return nil
	}

	d.log.Infof("Creating DynamoDB session")
	s, err := session.NewSession(&aws.Config{
		Region:      aws.String(d.hostConfig.RegionName),
		Endpoint:    aws.String(d.hostConfig.DynamoDBEndpoint),
		Credentials: d.hostConfig.DynamoDBCredentials,
		Retryer: client.DefaultRetryer{
			NumMaxRetries:    d.Retries,
			MinRetryDelay:    client.DefaultRetryerMinRetryDelay,
			MinThrottleDelay: client.DefaultRetryerMinThrottleDelay,
			MaxRetryDelay:    client.DefaultRetryerMaxRetryDelay,
			MaxThrottleDelay: client.DefaultRetryerMaxRetryDelay,
		},
	})
	if err != nil {
		d.log.Errorf("Failed in getting DynamoDB session: %+v", err)
		return err
	}

	d.svc = dynamodb.New(s)
	return nil
}

func (d *DynamoStore) LeaseRenewInterval() time.Duration { return d.renewInterval }
func (d *DynamoStore) LeaseDuration() time.Duration      { return d.leaseDuration }

func (d *DynamoStore) StoreExists(ctx context.Context) (bool, error) {
	_, err := d.svc.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.TableName),
	})
	if err != nil {
		if utils.AWSErrCode(err) == dynamodb.ErrCodeResourceNotFoundException {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *DynamoStore) CreateStoreIfNotExists(ctx context.Context) (bool, error) {
	exists, err := d.StoreExists(ctx)
	if err != nil || exists {
		return false, err
	}

	input := &dynamodb.CreateTableInput{
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String(LeaseKeyKey),
				AttributeType: aws.String("S"),
			},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String(LeaseKeyKey),
				KeyType:       aws.String("HASH"),
			},
		},
		ProvisionedThroughput: &dynamodb.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(d.leaseTableReadCapacity),
			WriteCapacityUnits: aws.Int64(d.leaseTableWriteCapacity),
		},
		TableName: aws.String(d.TableName),
	}
	if _, err := d.svc.CreateTableWithContext(ctx, input); err != nil {
		// another host created it first
		if utils.AWSErrCode(err) == dynamodb.ErrCodeResourceInUseException {
			return false, nil
		}
		return false, err
	}

	d.log.Infof("Created lease table %s, waiting for it to become active", d.TableName)
	if err := d.svc.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.TableName),
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (d *DynamoStore) GetLease(ctx context.Context, partitionID string) (*Lease, error) {
	item, err := d.getItem(ctx, partitionID)
	if err != nil || item == nil {
		return nil, err
	}
	return item.lease()
}

func (d *DynamoStore) GetAllLeases(ctx context.Context) ([]LeaseResult, error) {
	var results []LeaseResult
	input := &dynamodb.ScanInput{
		TableName:      aws.String(d.TableName),
		ConsistentRead: aws.Bool(true),
	}

	err := d.svc.ScanPagesWithContext(ctx, input,
		func(page *dynamodb.ScanOutput, lastPage bool) bool {
			for _, raw := range page.Items {
				item := &leaseItem{}
				if err := dynamodbattribute.UnmarshalMap(raw, item); err != nil {
					results = append(results, LeaseResult{Err: err})
					continue
				}
				lease, err := item.lease()
				results = append(results, LeaseResult{Lease: lease, Err: err})
			}
			return !lastPage
		})
	if err != nil {
		d.log.Debugf("Error scanning lease table %s. Error: %+v ", d.TableName, err)
		return nil, err
	}
	return results, nil
}

func (d *DynamoStore) CreateLeaseIfNotExists(ctx context.Context, partitionID string) (*Lease, error) {
	item, err := dynamodbattribute.MarshalMap(&leaseItem{PartitionID: partitionID})
	if err != nil {
		return nil, err
	}

	_, err = d.svc.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.TableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]*string{
			"#id": aws.String(LeaseKeyKey),
		},
	})
	if err != nil {
		if utils.AWSErrCode(err) != dynamodb.ErrCodeConditionalCheckFailedException {
			return nil, err
		}
		d.log.Debugf("Lease for partition %s already exists", partitionID)
		existing, err := d.GetLease(ctx, partitionID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}
	return NewLease(partitionID), nil
}

func (d *DynamoStore) AcquireLease(ctx context.Context, lease *Lease) (bool, error) {
	current, err := d.GetLease(ctx, lease.PartitionID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, ErrLeaseNotFound
	}

	if !current.OwnedBy(d.hostName) && !current.IsExpired() {
		d.log.Debugf("Lease %s is held by %s until %s", current.PartitionID, current.Owner, current.LeaseTimeout)
		return false, nil
	}

	return d.take(ctx, lease, current)
}

func (d *DynamoStore) StealLease(ctx context.Context, lease *Lease) (bool, error) {
	return d.take(ctx, lease, lease)
}

// take assigns the lease to this host provided the stored item still matches observed.
func (d *DynamoStore) take(ctx context.Context, lease, observed *Lease) (bool, error) {
	epoch := observed.Epoch
	if lease.Epoch > epoch {
		epoch = lease.Epoch
	}
	epoch++
	token := utils.MustNewUUID()
	timeout := time.Now().Add(d.leaseDuration).UTC()

	names := map[string]*string{
		"#owner":   aws.String(LeaseOwnerKey),
		"#token":   aws.String(LeaseTokenKey),
		"#epoch":   aws.String(LeaseEpochKey),
		"#timeout": aws.String(LeaseTimeoutKey),
	}
	values := map[string]*dynamodb.AttributeValue{
		":owner":          {S: aws.String(d.hostName)},
		":token":          {S: aws.String(token)},
		":epoch":          {N: aws.String(strconv.FormatInt(epoch, 10))},
		":timeout":        {S: aws.String(formatLeaseTimeout(timeout))},
		":expected_epoch": {N: aws.String(strconv.FormatInt(observed.Epoch, 10))},
	}

	var condition string
	if observed.Token == "" {
		condition = "attribute_not_exists(#token) AND #epoch = :expected_epoch"
	} else {
		condition = "#owner = :expected_owner AND #token = :expected_token AND #epoch = :expected_epoch"
		values[":expected_owner"] = &dynamodb.AttributeValue{S: aws.String(observed.Owner)}
		values[":expected_token"] = &dynamodb.AttributeValue{S: aws.String(observed.Token)}
	}

	ok, err := d.conditionalUpdate(ctx, lease.PartitionID,
		"SET #owner = :owner, #token = :token, #epoch = :epoch, #timeout = :timeout", condition, names, values)
	if err != nil || !ok {
		return false, err
	}

	lease.Owner = d.hostName
	lease.Token = token
	lease.Epoch = epoch
	lease.LeaseTimeout = timeout
	return true, nil
}

func (d *DynamoStore) RenewLease(ctx context.Context, lease *Lease) (bool, error) {
	timeout := time.Now().Add(d.leaseDuration).UTC()
	names, values := d.ownershipCondition(lease)
	names["#timeout"] = aws.String(LeaseTimeoutKey)
	values[":timeout"] = &dynamodb.AttributeValue{S: aws.String(formatLeaseTimeout(timeout))}

	ok, err := d.conditionalUpdate(ctx, lease.PartitionID, "SET #timeout = :timeout", ownedCondition, names, values)
	if err != nil || !ok {
		return false, err
	}
	lease.LeaseTimeout = timeout
	return true, nil
}

func (d *DynamoStore) ReleaseLease(ctx context.Context, lease *Lease) (bool, error) {
	names, values := d.ownershipCondition(lease)
	names["#timeout"] = aws.String(LeaseTimeoutKey)

	ok, err := d.conditionalUpdate(ctx, lease.PartitionID, "REMOVE #owner, #token, #timeout", ownedCondition, names, values)
	if err != nil || !ok {
		return false, err
	}
	lease.Owner = ""
	lease.Token = ""
	lease.LeaseTimeout = time.Time{}
	return true, nil
}

func (d *DynamoStore) UpdateLease(ctx context.Context, lease *Lease) (bool, error) {
	ok, err := d.RenewLease(ctx, lease)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, &LeaseLostError{PartitionID: lease.PartitionID}
	}
	return true, nil
}

func (d *DynamoStore) DeleteLease(ctx context.Context, lease *Lease) error {
	err := d.removeItem(ctx, lease.PartitionID)
	if err != nil {
		d.log.Errorf("Error in removing lease for partition: %s, Error: %+v", lease.PartitionID, err)
	} else {
		d.log.Infof("Lease for partition: %s has been removed.", lease.PartitionID)
	}
	return err
}

func (d *DynamoStore) CheckpointStoreExists(ctx context.Context) (bool, error) {
	return d.StoreExists(ctx)
}

func (d *DynamoStore) CreateCheckpointStoreIfNotExists(ctx context.Context) (bool, error) {
	return d.CreateStoreIfNotExists(ctx)
}

func (d *DynamoStore) GetCheckpoint(ctx context.Context, partitionID string) (*Checkpoint, error) {
	item, err := d.getItem(ctx, partitionID)
	if err != nil || item == nil {
		return nil, err
	}
	return item.checkpoint(), nil
}

// CreateCheckpointIfNotExists relies on the lease item, which doubles as the checkpoint holder.
func (d *DynamoStore) CreateCheckpointIfNotExists(ctx context.Context, partitionID string) (*Checkpoint, error) {
	if _, err := d.CreateLeaseIfNotExists(ctx, partitionID); err != nil {
		return nil, err
	}
	return d.GetCheckpoint(ctx, partitionID)
}

func (d *DynamoStore) UpdateCheckpoint(ctx context.Context, lease *Lease, checkpoint *Checkpoint) error {
	timeout := time.Now().Add(d.leaseDuration).UTC()
	names, values := d.ownershipCondition(lease)
	names["#timeout"] = aws.String(LeaseTimeoutKey)
	names["#offset"] = aws.String(OffsetKey)
	names["#seq"] = aws.String(SequenceNumberKey)
	values[":timeout"] = &dynamodb.AttributeValue{S: aws.String(formatLeaseTimeout(timeout))}
	values[":offset"] = &dynamodb.AttributeValue{S: aws.String(checkpoint.Offset)}
	values[":seq"] = &dynamodb.AttributeValue{N: aws.String(strconv.FormatInt(checkpoint.SequenceNumber, 10))}

	ok, err := d.conditionalUpdate(ctx, lease.PartitionID,
		"SET #timeout = :timeout, #offset = :offset, #seq = :seq", ownedCondition, names, values)
	if err != nil {
		return err
	}
	if !ok {
		return &LeaseLostError{PartitionID: lease.PartitionID}
	}
	lease.LeaseTimeout = timeout
	return nil
}

func (d *DynamoStore) DeleteCheckpoint(ctx context.Context, partitionID string) error {
	_, err := d.svc.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.TableName),
		Key: map[string]*dynamodb.AttributeValue{
			LeaseKeyKey: {S: aws.String(partitionID)},
		},
		UpdateExpression: aws.String("REMOVE #offset SET #seq = :seq"),
		ExpressionAttributeNames: map[string]*string{
			"#offset": aws.String(OffsetKey),
			"#seq":    aws.String(SequenceNumberKey),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":seq": {N: aws.String("0")},
		},
	})
	return err
}

const ownedCondition = "#owner = :expected_owner AND #token = :expected_token"

func (d *DynamoStore) ownershipCondition(lease *Lease) (map[string]*string, map[string]*dynamodb.AttributeValue) {
	names := map[string]*string{
		"#owner": aws.String(LeaseOwnerKey),
		"#token": aws.String(LeaseTokenKey),
	}
	values := map[string]*dynamodb.AttributeValue{
		":expected_owner": {S: aws.String(d.hostName)},
		":expected_token": {S: aws.String(lease.Token)},
	}
	return names, values
}

// conditionalUpdate returns false when the condition did not hold.
func (d *DynamoStore) conditionalUpdate(ctx context.Context, partitionID, update, condition string,
	names map[string]*string, values map[string]*dynamodb.AttributeValue) (bool, error) {
	_, err := d.svc.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.TableName),
		Key: map[string]*dynamodb.AttributeValue{
			LeaseKeyKey: {S: aws.String(partitionID)},
		},
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if utils.AWSErrCode(err) == dynamodb.ErrCodeConditionalCheckFailedException {
			d.log.Debugf("Conditional update of partition %s rejected", partitionID)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *DynamoStore) getItem(ctx context.Context, partitionID string) (*leaseItem, error) {
	out, err := d.svc.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.TableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]*dynamodb.AttributeValue{
			LeaseKeyKey: {S: aws.String(partitionID)},
		},
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}

	item := &leaseItem{}
	if err := dynamodbattribute.UnmarshalMap(out.Item, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (d *DynamoStore) removeItem(ctx context.Context, partitionID string) error {
	_, err := d.svc.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.TableName),
		Key: map[string]*dynamodb.AttributeValue{
			LeaseKeyKey: {S: aws.String(partitionID)},
		},
	})
	return err
}

func (i *leaseItem) lease() (*Lease, error) {
	l := &Lease{
		PartitionID: i.PartitionID,
		Owner:       i.Owner,
		Token:       i.Token,
		Epoch:       i.Epoch,
	}
	if i.LeaseTimeout != "" {
		t, err := parseLeaseTimeout(i.LeaseTimeout)
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", i.PartitionID, err)
		}
		l.LeaseTimeout = t
	}
	return l, nil
}

func (i *leaseItem) checkpoint() *Checkpoint {
	if i.Offset == "" {
		return nil
	}
	return &Checkpoint{
		PartitionID:    i.PartitionID,
		Offset:         i.Offset,
		SequenceNumber: i.SequenceNumber,
	}
}

func formatLeaseTimeout(t time.Time) string {
	return t.UTC().Format(leaseTimeoutFormat)
}

func parseLeaseTimeout(s string) (time.Time, error) {
	return time.Parse(leaseTimeoutFormat, s)
}
