package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"dbtools/replicate"
)

type fakeClient struct {
	tableExists bool
	created     *dynamodb.CreateTableInput
	describeErr error

	batches     [][]types.WriteRequest
	unprocessed int // calls that leave their last item unprocessed
	writeErr    error

	items [][]map[string]types.AttributeValue // scan pages
}

func (f *fakeClient) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	if !f.tableExists {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   in.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}

func (f *fakeClient) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.created = in
	f.tableExists = true
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeClient) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	var table string
	var reqs []types.WriteRequest
	for name, r := range in.RequestItems {
		table, reqs = name, r
	}
	f.batches = append(f.batches, reqs)

	out := &dynamodb.BatchWriteItemOutput{}
	if f.unprocessed > 0 {
		f.unprocessed--
		out.UnprocessedItems = map[string][]types.WriteRequest{table: reqs[len(reqs)-1:]}
	}
	return out, nil
}

func (f *fakeClient) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	page := 0
	if in.ExclusiveStartKey != nil {
		fmt.Sscan(in.ExclusiveStartKey["page"].(*types.AttributeValueMemberN).Value, &page)
	}
	out := &dynamodb.ScanOutput{Items: f.items[page]}
	if page+1 < len(f.items) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{"page": num(int64(page + 1))}
	}
	return out, nil
}

func newTestRecorder(client *fakeClient) *Recorder {
	r := NewRecorderWithClient(Config{Region: "us-east-1"}, client)
	r.backoff = time.Millisecond
	return r
}

func sampleReport(tables int) *replicate.Report {
	db := &replicate.DatabaseReport{Database: "catalog"}
	for i := 0; i < tables; i++ {
		db.Tables = append(db.Tables, replicate.TableReport{
			Table: fmt.Sprintf("T%02d", i),
			Sync:  true,
			Rows:  int64(i),
			Pages: 1,
		})
	}
	db.Tables = append(db.Tables, replicate.TableReport{Table: "Unchanged"})

	return &replicate.Report{
		RunID:     "run-1",
		Direction: replicate.ToLocal,
		Mode:      replicate.DiffOnly,
		State:     replicate.Done,
		Started:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Finished:  time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC),
		Databases: []*replicate.DatabaseReport{
			db,
			{Database: "scraper", Err: &replicate.VerificationError{Database: "scraper", Side: "local"}},
		},
	}
}

func TestNewRecorderDefaultsTableName(t *testing.T) {
	r := NewRecorderWithClient(Config{Region: "eu-west-1"}, &fakeClient{})
	if r.Config.TableName != DefaultTableName {
		t.Errorf("TableName = %q, want %q", r.Config.TableName, DefaultTableName)
	}
}

func TestEnsureTable(t *testing.T) {
	t.Run("creates missing table", func(t *testing.T) {
		client := &fakeClient{}
		if err := newTestRecorder(client).EnsureTable(context.Background()); err != nil {
			t.Fatalf("EnsureTable() error = %v", err)
		}
		if client.created == nil {
			t.Fatal("expected CreateTable to be called")
		}
		if got := aws.ToString(client.created.TableName); got != DefaultTableName {
			t.Errorf("created table %q", got)
		}
		if client.created.BillingMode != types.BillingModePayPerRequest {
			t.Errorf("BillingMode = %v", client.created.BillingMode)
		}
	})

	t.Run("keeps existing table", func(t *testing.T) {
		client := &fakeClient{tableExists: true}
		if err := newTestRecorder(client).EnsureTable(context.Background()); err != nil {
			t.Fatalf("EnsureTable() error = %v", err)
		}
		if client.created != nil {
			t.Error("CreateTable must not be called for an existing table")
		}
	})

	t.Run("surfaces other errors", func(t *testing.T) {
		client := &fakeClient{describeErr: errors.New("AccessDeniedException")}
		if err := newTestRecorder(client).EnsureTable(context.Background()); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestRecordChunksItems(t *testing.T) {
	client := &fakeClient{}
	// 1 summary + 30 tables + 1 failed database = 32 items.
	if err := newTestRecorder(client).Record(context.Background(), sampleReport(30)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	if len(client.batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(client.batches))
	}
	if len(client.batches[0]) != 25 || len(client.batches[1]) != 7 {
		t.Errorf("batch sizes = %d, %d", len(client.batches[0]), len(client.batches[1]))
	}

	summary := client.batches[0][0].PutRequest.Item
	if getString(summary, "SK") != "summary" || getString(summary, "Mode") != "diff" {
		t.Errorf("unexpected summary item %v", summary)
	}
	if getNumber(summary, "Errors") != 1 {
		t.Errorf("Errors = %d, want 1", getNumber(summary, "Errors"))
	}
}

func TestRecordRetriesUnprocessedItems(t *testing.T) {
	client := &fakeClient{unprocessed: 2}
	if err := newTestRecorder(client).Record(context.Background(), sampleReport(2)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if len(client.batches) != 3 {
		t.Fatalf("BatchWriteItem calls = %d, want 3", len(client.batches))
	}
	if len(client.batches[1]) != 1 {
		t.Errorf("retry carried %d items, want 1", len(client.batches[1]))
	}
}

func TestRecordGivesUpAfterRetries(t *testing.T) {
	client := &fakeClient{unprocessed: 10}
	err := newTestRecorder(client).Record(context.Background(), sampleReport(1))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRecent(t *testing.T) {
	run := func(id string, day int) map[string]types.AttributeValue {
		return map[string]types.AttributeValue{
			"RunID":   str(id),
			"SK":      str(summaryKey),
			"Started": str(time.Date(2024, 5, day, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)),
			"State":   str("done"),
			"Rows":    num(int64(day)),
			"DryRun":  &types.AttributeValueMemberBOOL{Value: day == 3},
		}
	}
	client := &fakeClient{items: [][]map[string]types.AttributeValue{
		{run("a", 1), run("c", 3)},
		{run("b", 2)},
	}}

	runs, err := newTestRecorder(client).Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	if runs[0].RunID != "c" || runs[1].RunID != "b" {
		t.Errorf("order = %s, %s", runs[0].RunID, runs[1].RunID)
	}
	if !runs[0].DryRun || runs[0].Rows != 3 {
		t.Errorf("unexpected run %+v", runs[0])
	}
}
