package openiap

import (
	"time"

	"github.com/openiap/openiap-go/record"
)

type (
	User         = record.User
	Collation    = record.Collation
	Timeseries   = record.Timeseries
	Workitem     = record.Workitem
	WorkitemFile = record.WorkitemFile
)

type SigninOptions struct {
	Username     string
	Password     string
	Jwt          string
	Agent        string
	Version      string
	LongToken    bool
	ValidateOnly bool
	Ping         bool
}

type QueryOptions struct {
	Collection string
	Query      string
	Projection string
	OrderBy    string
	QueryAs    string
	Explain    bool
	Skip       int32
	// Top limits the result; zero lets the server pick its default of 100.
	Top int32
}

type AggregateOptions struct {
	Collection string
	// Aggregates is the pipeline as a JSON array.
	Aggregates string
	QueryAs    string
	Hint       string
	Explain    bool
}

type CountOptions struct {
	Collection string
	Query      string
	QueryAs    string
	Explain    bool
}

type DistinctOptions struct {
	Collection string
	Field      string
	Query      string
	QueryAs    string
	Explain    bool
}

type CreateCollectionOptions struct {
	Collection                   string
	Collation                    *Collation
	Timeseries                   *Timeseries
	ExpireAfterSeconds           int32
	ChangeStreamPreAndPostImages bool
	Capped                       bool
	Max                          int32
	Size                         int32
}

type CreateIndexOptions struct {
	Collection string
	// Index is the key specification as JSON, e.g. {"name":1}.
	Index   string
	Options string
	Name    string
}

// WriteOptions carries the write concern shared by every mutation.
type WriteOptions struct {
	W int32
	J bool
}

type InsertManyOptions struct {
	WriteOptions
	SkipResults bool
}

type DeleteManyOptions struct {
	Collection string
	// Query selects the documents; IDs, when set, take precedence.
	Query     string
	IDs       []string
	Recursive bool
}

type UploadOptions struct {
	Filepath   string
	Filename   string
	Mimetype   string
	Metadata   string
	Collection string
}

type DownloadOptions struct {
	Collection string
	ID         string
	Folder     string
	Filename   string
}

type WatchOptions struct {
	Collection string
	Paths      string
}

// WatchEvent is one change notification of a watched collection.
type WatchEvent struct {
	WatchID   string
	Operation string
	Document  string
}

type WatchHandler func(WatchEvent)

// QueueEvent is one message delivered to a registered queue or exchange.
type QueueEvent struct {
	QueueName     string
	CorrelationID string
	ReplyTo       string
	RoutingKey    string
	ExchangeName  string
	Data          string
}

// QueueHandler handles a queue message. A non-empty return value is sent
// to the message's reply queue with the same correlation id.
type QueueHandler func(QueueEvent) string

type ExchangeHandler func(QueueEvent)

type ExchangeOptions struct {
	Exchange string
	// Algorithm is fanout (the default) or direct.
	Algorithm  string
	RoutingKey string
	AddQueue   bool
}

type QueueMessageOptions struct {
	Queue         string
	Exchange      string
	RoutingKey    string
	ReplyTo       string
	CorrelationID string
	Data          string
	StripToken    bool
	Expiration    int32
}

// ClientEvent reports a change of connection state.
type ClientEvent struct {
	Event  string
	Reason string
}

type ClientEventHandler func(ClientEvent)

type PushWorkitemOptions struct {
	Wiq          string
	WiqID        string
	Name         string
	Payload      string
	NextRun      time.Time
	SuccessWiqID string
	FailedWiqID  string
	SuccessWiq   string
	FailedWiq    string
	Priority     int32
	// Files are local paths attached to the work item.
	Files []string
}

type PopWorkitemOptions struct {
	Wiq   string
	WiqID string
	// DownloadFolder receives the item's files; empty skips the download.
	DownloadFolder string
}

type UpdateWorkitemOptions struct {
	Workitem         *Workitem
	IgnoreMaxRetries bool
	// Files are local paths added to the work item.
	Files []string
}

type CustomCommandOptions struct {
	Command string
	ID      string
	Name    string
	Data    string
}

type InvokeOpenRPAOptions struct {
	RobotID    string
	WorkflowID string
	Payload    string
	// RPC waits for the robot's reply instead of returning once queued.
	RPC bool
}

func fileRecords(paths []string) []record.WorkitemFile {
	if len(paths) == 0 {
		return nil
	}
	out := make([]record.WorkitemFile, len(paths))
	for i, p := range paths {
		out[i] = record.WorkitemFile{Filename: p}
	}
	return out
}

func unixSeconds(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix())
}
