// Package dynamodb keeps an audit trail of replication runs in a DynamoDB
// table. The trail is write-mostly: it is listed by the history command but
// never read back to resume a clone.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"dbtools/internal"
	"dbtools/replicate"
)

const (
	DefaultTableName = "dbtools-runs"

	// maxBatchItems is BatchWriteItem's per-request limit.
	maxBatchItems = 25

	summaryKey = "summary"
)

type Config struct {
	Region    string
	TableName string
	Endpoint  string // Optional for local DynamoDB
}

// API is the subset of the DynamoDB client the recorder uses.
type API interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type Recorder struct {
	Config Config
	Client API

	maxRetries  int
	backoff     time.Duration
	waitTimeout time.Duration
}

func NewRecorder(ctx context.Context, cfg Config) (*Recorder, error) {
	client, err := createClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create history client: %w", err)
	}
	return NewRecorderWithClient(cfg, client), nil
}

func NewRecorderWithClient(cfg Config, client API) *Recorder {
	if cfg.TableName == "" {
		cfg.TableName = DefaultTableName
	}
	return &Recorder{
		Config:      cfg,
		Client:      client,
		maxRetries:  3,
		backoff:     time.Second,
		waitTimeout: 2 * time.Minute,
	}
}

func createClient(ctx context.Context, cfg Config) (*dynamodb.Client, error) {
	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, err
	}

	// Use custom endpoint if provided (for local DynamoDB)
	if cfg.Endpoint != "" {
		return dynamodb.NewFromConfig(awsConfig, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}), nil
	}
	return dynamodb.NewFromConfig(awsConfig), nil
}

// EnsureTable creates the history table on first use.
func (r *Recorder) EnsureTable(ctx context.Context) error {
	_, err := r.Client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(r.Config.TableName),
	})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe history table: %w", err)
	}

	internal.Logger.Info("Creating history table", "table", r.Config.TableName)
	_, err = r.Client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(r.Config.TableName),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("RunID"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("RunID"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("SK"), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create history table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(r.Client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(r.Config.TableName)}, r.waitTimeout); err != nil {
		return fmt.Errorf("history table did not become active: %w", err)
	}
	return nil
}

// Record writes one summary item for the run and one item per table.
func (r *Recorder) Record(ctx context.Context, report *replicate.Report) error {
	items := runItems(report)

	for start := 0; start < len(items); start += maxBatchItems {
		end := min(start+maxBatchItems, len(items))

		batch := make([]types.WriteRequest, 0, end-start)
		for _, item := range items[start:end] {
			batch = append(batch, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
		}
		if err := r.writeBatch(ctx, batch); err != nil {
			return err
		}
	}

	internal.Logger.Debug("Recorded run", "runID", report.RunID, "items", len(items))
	return nil
}

// writeBatch writes a batch of items with retry logic for unprocessed items
func (r *Recorder) writeBatch(ctx context.Context, batch []types.WriteRequest) error {
	input := &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{
			r.Config.TableName: batch,
		},
	}

	backoff := r.backoff
	for retry := 0; retry < r.maxRetries; retry++ {
		result, err := r.Client.BatchWriteItem(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to write batch: %w", err)
		}

		unprocessed := result.UnprocessedItems[r.Config.TableName]
		if len(unprocessed) == 0 {
			return nil
		}
		input.RequestItems[r.Config.TableName] = unprocessed

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("failed to write batch after %d retries", r.maxRetries)
}

func runItems(report *replicate.Report) []map[string]types.AttributeValue {
	summary := map[string]types.AttributeValue{
		"RunID":     str(report.RunID),
		"SK":        str(summaryKey),
		"Started":   str(report.Started.UTC().Format(time.RFC3339)),
		"Finished":  str(report.Finished.UTC().Format(time.RFC3339)),
		"Direction": str(string(report.Direction)),
		"Mode":      str(report.Mode.String()),
		"State":     str(report.State.String()),
		"DryRun":    &types.AttributeValueMemberBOOL{Value: report.DryRun},
		"Rows":      num(report.TotalRows()),
		"Errors":    num(int64(len(report.Errors()))),
	}
	if report.Err != nil {
		summary["Error"] = str(report.Err.Error())
	}

	items := []map[string]types.AttributeValue{summary}
	for _, d := range report.Databases {
		if d.Err != nil {
			items = append(items, map[string]types.AttributeValue{
				"RunID":    str(report.RunID),
				"SK":       str("database#" + d.Database),
				"Database": str(d.Database),
				"Error":    str(d.Err.Error()),
			})
			continue
		}
		for _, t := range d.Tables {
			if !t.Sync {
				continue
			}
			items = append(items, map[string]types.AttributeValue{
				"RunID":      str(report.RunID),
				"SK":         str("table#" + d.Database + "." + t.Table),
				"Database":   str(d.Database),
				"Table":      str(t.Table),
				"Rows":       num(t.Rows),
				"Pages":      num(int64(t.Pages)),
				"Created":    &types.AttributeValueMemberBOOL{Value: t.Created},
				"Truncated":  &types.AttributeValueMemberBOOL{Value: t.Truncated},
				"DurationMs": num(t.Duration.Milliseconds()),
			})
		}
	}
	return items
}

// Run is the stored summary of one invocation.
type Run struct {
	RunID     string
	Started   time.Time
	Finished  time.Time
	Direction string
	Mode      string
	State     string
	DryRun    bool
	Rows      int64
	Errors    int64
	Error     string
}

// Recent returns up to limit run summaries, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Run, error) {
	input := &dynamodb.ScanInput{
		TableName:                 aws.String(r.Config.TableName),
		FilterExpression:          aws.String("SK = :summary"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":summary": str(summaryKey)},
	}

	var runs []Run
	paginator := dynamodb.NewScanPaginator(r.Client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		for _, item := range page.Items {
			runs = append(runs, parseRun(item))
		}
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].Started.After(runs[j].Started) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func parseRun(item map[string]types.AttributeValue) Run {
	run := Run{
		RunID:     getString(item, "RunID"),
		Direction: getString(item, "Direction"),
		Mode:      getString(item, "Mode"),
		State:     getString(item, "State"),
		Error:     getString(item, "Error"),
		Rows:      getNumber(item, "Rows"),
		Errors:    getNumber(item, "Errors"),
	}
	run.Started, _ = time.Parse(time.RFC3339, getString(item, "Started"))
	run.Finished, _ = time.Parse(time.RFC3339, getString(item, "Finished"))
	if b, ok := item["DryRun"].(*types.AttributeValueMemberBOOL); ok {
		run.DryRun = b.Value
	}
	return run
}

func str(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func num(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getNumber(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}
