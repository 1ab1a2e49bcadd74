package openiap

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openiap/openiap-go/native"
	"github.com/openiap/openiap-go/record"
)

type person struct {
	ID   string `json:"_id,omitempty"`
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func seedPeople(t *testing.T, c *Client) {
	t.Helper()
	_, err := c.InsertMany(context.Background(), "people",
		`[{"name":"ada","age":36},{"name":"bob","age":25},{"name":"cy","age":36}]`, InsertManyOptions{})
	require.NoError(t, err)
}

// TEST680: Test query, count, distinct and aggregate over inserted documents
func TestQueryFamily(t *testing.T) {
	env := newTestEnv(t)
	c := env.connected(t)
	defer c.Close()
	ctx := context.Background()
	seedPeople(t, c)

	res, err := c.Query(ctx, QueryOptions{Collection: "people", Query: `{"age":36}`, OrderBy: "name", Projection: `{"name":1}`})
	require.NoError(t, err)
	var docs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(res), &docs))
	require.Len(t, docs, 2)
	assert.Equal(t, "ada", docs[0]["name"])
	assert.Equal(t, "cy", docs[1]["name"])
	assert.NotContains(t, docs[0], "age")

	n, err := c.Count(ctx, CountOptions{Collection: "people", Query: `{"age":36}`})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ages, err := c.Distinct(ctx, DistinctOptions{Collection: "people", Field: "age"})
	require.NoError(t, err)
	assert.Equal(t, []string{"25", "36"}, ages)

	res, err = c.Aggregate(ctx, AggregateOptions{Collection: "people", Aggregates: `[{"$match":{"age":36}},{"$limit":1}]`})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(res), &docs))
	assert.Len(t, docs, 1)

	res, err = c.Query(ctx, QueryOptions{Collection: "missing"})
	require.NoError(t, err)
	assert.Equal(t, "[]", res)

	req := env.lib.Requests(native.SymQuery)[0].(record.QueryRequest)
	assert.Equal(t, "people", req.CollectionName)
	assert.NotZero(t, req.RequestID)
}

// TEST681: Test collections and indexes can be created, listed and dropped
func TestCollectionsAndIndexes(t *testing.T) {
	env := newTestEnv(t)
	c := env.connected(t)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.CreateCollection(ctx, CreateCollectionOptions{
		Collection: "metrics",
		Timeseries: &Timeseries{TimeField: "ts", Granularity: "minutes"},
	}))
	err := c.CreateCollection(ctx, CreateCollectionOptions{Collection: "metrics"})
	assert.ErrorIs(t, err, ErrApplication)

	got := env.lib.Requests(native.SymCreateCollection)[0].(record.CreateCollectionRequest)
	require.NotNil(t, got.Timeseries)
	assert.Equal(t, "ts", got.Timeseries.TimeField)
	assert.Nil(t, got.Collation)

	list, err := c.ListCollections(ctx, false)
	require.NoError(t, err)
	assert.Contains(t, list, `"name":"metrics"`)

	require.NoError(t, c.CreateIndex(ctx, CreateIndexOptions{Collection: "metrics", Index: `{"ts":1}`}))
	idx, err := c.GetIndexes(ctx, "metrics")
	require.NoError(t, err)
	assert.Contains(t, idx, `"name":"_id_"`)
	assert.Contains(t, idx, `"name":"ts_1"`)

	require.NoError(t, c.DropIndex(ctx, "metrics", "ts_1"))
	assert.ErrorIs(t, c.DropIndex(ctx, "metrics", "ts_1"), ErrApplication)

	require.NoError(t, c.DropCollection(ctx, "metrics"))
	list, err = c.ListCollections(ctx, true)
	require.NoError(t, err)
	assert.NotContains(t, list, `"name":"metrics"`)
}

// TEST682: Test updates, upserts and deletes by id and by query
func TestMutations(t *testing.T) {
	env := newTestEnv(t)
	c := env.connected(t)
	defer c.Close()
	ctx := context.Background()

	out, err := c.InsertOne(ctx, "people", `{"name":"ada","age":36}`, WriteOptions{W: 1, J: true})
	require.NoError(t, err)
	var ada person
	require.NoError(t, json.Unmarshal([]byte(out), &ada))
	require.NotEmpty(t, ada.ID)

	ins := env.lib.Requests(native.SymInsertOne)[0].(record.InsertOneRequest)
	assert.Equal(t, int32(1), ins.W)
	assert.True(t, ins.J)

	_, err = c.InsertOne(ctx, "people", out, WriteOptions{})
	assert.ErrorIs(t, err, ErrApplication)
	assert.Contains(t, err.Error(), "E11000")

	ada.Age = 37
	b, _ := json.Marshal(ada)
	out, err = c.UpdateOne(ctx, "people", string(b), WriteOptions{})
	require.NoError(t, err)
	assert.Contains(t, out, `"age":37`)

	_, err = c.InsertOrUpdateOne(ctx, "people", "name", `{"name":"ada","age":38}`, WriteOptions{})
	require.NoError(t, err)
	_, err = c.InsertOrUpdateOne(ctx, "people", "name", `{"name":"bob","age":25}`, WriteOptions{})
	require.NoError(t, err)
	n, err := c.Count(ctx, CountOptions{Collection: "people"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	deleted, err := c.DeleteOne(ctx, "people", ada.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = c.DeleteMany(ctx, DeleteManyOptions{Collection: "people"})
	assert.True(t, IsKind(err, KindPrecondition))

	deleted, err = c.DeleteMany(ctx, DeleteManyOptions{Collection: "people", Query: `{"name":"bob"}`})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	seedPeople(t, c)
	res, err := c.Query(ctx, QueryOptions{Collection: "people", Query: `{"age":36}`})
	require.NoError(t, err)
	var docs []person
	require.NoError(t, json.Unmarshal([]byte(res), &docs))
	require.Len(t, docs, 2)
	deleted, err = c.DeleteMany(ctx, DeleteManyOptions{Collection: "people", IDs: []string{docs[0].ID, docs[1].ID}})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
}

// TEST683: Test documents failing the collection schema never reach the library
func TestSchemaValidation(t *testing.T) {
	env := newTestEnv(t)
	c := env.connected(t)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SetCollectionSchema("people", `{
		"type": "object",
		"required": ["name"],
		"properties": {"age": {"type": "integer", "minimum": 0}}
	}`))

	_, err := c.InsertOne(ctx, "people", `{"age":-1}`, WriteOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	var sve *SchemaValidationError
	require.True(t, errors.As(err, &sve))
	assert.Equal(t, "DocumentValidation", sve.Type)
	assert.Equal(t, "people", sve.Collection)

	_, err = c.InsertMany(ctx, "people", `[{"name":"ok"},{"age":3}]`, InsertManyOptions{})
	require.True(t, errors.As(err, &sve))
	assert.Equal(t, 1, sve.Index)
	assert.Empty(t, env.lib.Requests(native.SymInsertOne))
	assert.Empty(t, env.lib.Requests(native.SymInsertMany))

	_, err = c.InsertOne(ctx, "people", `{"name":"ada","age":36}`, WriteOptions{})
	assert.NoError(t, err)

	require.NoError(t, c.SetCollectionSchema("people", ""))
	_, err = c.InsertOne(ctx, "people", `{"age":-1}`, WriteOptions{})
	assert.NoError(t, err)

	err = c.SetCollectionSchema("people", `{"type": 12}`)
	assert.True(t, IsKind(err, KindValidation))
}

// TEST689: Test a closed or unconnected client reports that before schema failures
func TestSchemaValidationAfterLiveness(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	idle := env.client(t)
	defer idle.Close()
	require.NoError(t, idle.SetCollectionSchema("people", `{"type":"object","required":["name"]}`))
	_, err := idle.InsertOne(ctx, "people", `{}`, WriteOptions{})
	assert.ErrorIs(t, err, ErrNotConnected)

	c := env.connected(t)
	require.NoError(t, c.Close())
	_, err = c.InsertOne(ctx, "people", `{}`, WriteOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.InsertMany(ctx, "people", `[{}]`, InsertManyOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.UpdateOne(ctx, "people", `{}`, WriteOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.InsertOrUpdateOne(ctx, "people", "name", `{}`, WriteOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}

// TEST684: Test schemas are picked up from the configured directory
func TestSchemaDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orders.json"),
		[]byte(`{"type":"object","required":["total"]}`), 0o644))

	env := newTestEnv(t, WithSchemaDir(dir))
	c := env.connected(t)
	defer c.Close()
	ctx := context.Background()

	_, err := c.InsertOne(ctx, "orders", `{"item":"x"}`, WriteOptions{})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = c.InsertOne(ctx, "orders", `{"total":3}`, WriteOptions{})
	assert.NoError(t, err)
	_, err = c.InsertOne(ctx, "unschemed", `{"anything":true}`, WriteOptions{})
	assert.NoError(t, err)
	_, err = c.InsertOne(ctx, "../orders", `{}`, WriteOptions{})
	assert.ErrorIs(t, err, ErrValidation)
}

// TEST685: Test a file uploaded from disk downloads with the same content
func TestUploadDownload(t *testing.T) {
	env := newTestEnv(t)
	c := env.connected(t)
	defer c.Close()
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, os.WriteFile(src, []byte("quarterly"), 0o644))

	id, err := c.Upload(ctx, UploadOptions{Filepath: src, Mimetype: "text/plain"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	dst := t.TempDir()
	name, err := c.Download(ctx, DownloadOptions{ID: id, Folder: dst})
	require.NoError(t, err)
	assert.Equal(t, "report.txt", name)
	data, err := os.ReadFile(filepath.Join(dst, name))
	require.NoError(t, err)
	assert.Equal(t, "quarterly", string(data))

	_, err = c.Download(ctx, DownloadOptions{ID: id, Collection: "other", Folder: dst})
	assert.ErrorIs(t, err, ErrApplication)
	_, err = c.Upload(ctx, UploadOptions{})
	assert.True(t, IsKind(err, KindPrecondition))
}

// TEST686: Test a work item moves through push, pop, retry and completion
func TestWorkitemLifecycle(t *testing.T) {
	env := newTestEnv(t)
	c := env.connected(t)
	defer c.Close()
	ctx := context.Background()

	attachment := filepath.Join(t.TempDir(), "invoice.pdf")
	require.NoError(t, os.WriteFile(attachment, []byte("%PDF"), 0o644))

	wi, err := c.PushWorkitem(ctx, PushWorkitemOptions{Wiq: "invoices", Name: "inv-1", Files: []string{attachment}})
	require.NoError(t, err)
	require.NotNil(t, wi)
	assert.Equal(t, "new", wi.State)
	assert.Equal(t, "{}", wi.Payload)
	require.Len(t, wi.Files, 1)

	_, err = c.PushWorkitem(ctx, PushWorkitemOptions{Wiq: "invoices", Name: "later", NextRun: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	folder := t.TempDir()
	popped, err := c.PopWorkitem(ctx, PopWorkitemOptions{Wiq: "invoices", DownloadFolder: folder})
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, wi.ID, popped.ID)
	assert.Equal(t, "processing", popped.State)
	data, err := os.ReadFile(filepath.Join(folder, "invoice.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data))

	none, err := c.PopWorkitem(ctx, PopWorkitemOptions{Wiq: "invoices"})
	require.NoError(t, err)
	assert.Nil(t, none)

	popped.State = "retry"
	updated, err := c.UpdateWorkitem(ctx, UpdateWorkitemOptions{Workitem: popped})
	require.NoError(t, err)
	assert.Equal(t, "new", updated.State)
	assert.Equal(t, int32(1), updated.Retries)

	again, err := c.PopWorkitem(ctx, PopWorkitemOptions{Wiq: "invoices"})
	require.NoError(t, err)
	require.NotNil(t, again)
	again.State = "successful"
	done, err := c.UpdateWorkitem(ctx, UpdateWorkitemOptions{Workitem: again})
	require.NoError(t, err)
	assert.Equal(t, "successful", done.State)

	require.NoError(t, c.DeleteWorkitem(ctx, done.ID))
	assert.ErrorIs(t, c.DeleteWorkitem(ctx, done.ID), ErrApplication)

	_, err = c.PushWorkitem(ctx, PushWorkitemOptions{Name: "nowhere"})
	assert.True(t, IsKind(err, KindPrecondition))
	_, err = c.UpdateWorkitem(ctx, UpdateWorkitemOptions{})
	assert.True(t, IsKind(err, KindPrecondition))
}

// TEST687: Test custom commands and OpenRPA invocations
func TestCommands(t *testing.T) {
	env := newTestEnv(t)
	c := env.connected(t)
	defer c.Close()
	robot := env.connected(t)
	defer robot.Close()
	ctx := context.Background()

	out, err := c.CustomCommand(ctx, CustomCommandOptions{Command: "echo", Data: `{"x":1}`}, 0)
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, out)

	_, err = c.CustomCommand(ctx, CustomCommandOptions{Command: "reboot"}, time.Second)
	assert.ErrorIs(t, err, ErrApplication)
	assert.Contains(t, err.Error(), "Unknown command reboot")

	var invokes collector[QueueEvent]
	_, err = robot.RegisterQueue(ctx, "robot-1", func(ev QueueEvent) string {
		invokes.add(ev)
		return `{"status":"done"}`
	})
	require.NoError(t, err)

	out, err = c.InvokeOpenRPA(ctx, InvokeOpenRPAOptions{RobotID: "robot-1", WorkflowID: "wf", Payload: `{"a":1}`, RPC: true}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, `{"status":"done"}`, out)
	require.Eventually(t, func() bool { return invokes.len() == 1 }, waitFor, tick)

	var cmd map[string]any
	require.NoError(t, json.Unmarshal([]byte(invokes.items()[0].Data), &cmd))
	assert.Equal(t, "invoke", cmd["command"])
	assert.Equal(t, "wf", cmd["workflowid"])

	_, err = c.InvokeOpenRPA(ctx, InvokeOpenRPAOptions{RobotID: "robot-1", WorkflowID: "wf"}, 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return invokes.len() == 2 }, waitFor, tick)

	_, err = c.InvokeOpenRPA(ctx, InvokeOpenRPAOptions{RobotID: "robot-1"}, 0)
	assert.True(t, IsKind(err, KindPrecondition))
}

// TEST688: Test typed helpers round-trip caller types and report decode failures
func TestTypedHelpers(t *testing.T) {
	env := newTestEnv(t)
	c := env.connected(t)
	defer c.Close()
	ctx := context.Background()

	stored, err := InsertOneInto(ctx, c, "people", person{Name: "ada", Age: 36}, WriteOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, "ada", stored.Name)

	people, err := QueryInto[person](ctx, c, QueryOptions{Collection: "people"})
	require.NoError(t, err)
	require.Len(t, people, 1)
	assert.Equal(t, stored, people[0])

	_, err = QueryInto[int](ctx, c, QueryOptions{Collection: "people"})
	assert.ErrorIs(t, err, ErrDecode)
}
