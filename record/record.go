// Package record declares the request, response and event records
// exchanged with the native OpenIAP client library. Field order is the C
// field order; see package cstruct for the tag vocabulary.
package record

// Client is the handle record returned by create_client.
type Client struct {
	Success bool   `native:"bool"`
	Error   string `native:"str"`
	Client  int32  `native:"i32"`
}

type User struct {
	ID       string   `native:"str"`
	Name     string   `native:"str"`
	Username string   `native:"str"`
	Email    string   `native:"str"`
	Roles    []string `native:"strs"`
	_        int32    `native:"len=Roles"`
}

type SigninRequest struct {
	Username     string `native:"str,opt"`
	Password     string `native:"str,opt"`
	Jwt          string `native:"str,opt"`
	Agent        string `native:"str,opt"`
	Version      string `native:"str,opt"`
	LongToken    bool   `native:"bool"`
	ValidateOnly bool   `native:"bool"`
	Ping         bool   `native:"bool"`
	RequestID    int32  `native:"i32"`
}

type SigninResponse struct {
	Success   bool   `native:"bool"`
	Jwt       string `native:"str"`
	Error     string `native:"str"`
	RequestID int32  `native:"i32"`
}

type QueryRequest struct {
	CollectionName string `native:"str"`
	Query          string `native:"str,opt"`
	Projection     string `native:"str,opt"`
	OrderBy        string `native:"str,opt"`
	QueryAs        string `native:"str,opt"`
	Explain        bool   `native:"bool"`
	Skip           int32  `native:"i32"`
	Top            int32  `native:"i32"`
	RequestID      int32  `native:"i32"`
}

// ResultsResponse is shared by every family answering with one JSON text
// field named results: query, list_collections, get_indexes, aggregate,
// insert_many.
type ResultsResponse struct {
	Success   bool   `native:"bool"`
	Results   string `native:"str"`
	Error     string `native:"str"`
	RequestID int32  `native:"i32"`
}

// ResultResponse is the single-result counterpart of ResultsResponse:
// custom_command, insert_one, update_one, insert_or_update_one, rpc and
// invoke_openrpa.
type ResultResponse struct {
	Success   bool   `native:"bool"`
	Result    string `native:"str"`
	Error     string `native:"str"`
	RequestID int32  `native:"i32"`
}

// StatusResponse carries no payload: client_connect, create/drop collection,
// create/drop index, unwatch, delete_workitem.
type StatusResponse struct {
	Success   bool   `native:"bool"`
	Error     string `native:"str"`
	RequestID int32  `native:"i32"`
}

// BareResponse has no request id: queue_message, unregister_queue,
// off_client_event.
type BareResponse struct {
	Success bool   `native:"bool"`
	Error   string `native:"str"`
}

type CustomCommandRequest struct {
	Command   string `native:"str"`
	ID        string `native:"str,opt"`
	Name      string `native:"str,opt"`
	Data      string `native:"str,opt"`
	RequestID int32  `native:"i32"`
}

type Collation struct {
	Locale          string `native:"str"`
	CaseLevel       bool   `native:"bool"`
	CaseFirst       string `native:"str,opt"`
	Strength        int32  `native:"i32"`
	NumericOrdering bool   `native:"bool"`
	Alternate       string `native:"str,opt"`
	MaxVariable     string `native:"str,opt"`
	Backwards       bool   `native:"bool"`
}

type Timeseries struct {
	TimeField   string `native:"str"`
	MetaField   string `native:"str,opt"`
	Granularity string `native:"str,opt"`
}

type CreateCollectionRequest struct {
	CollectionName               string      `native:"str"`
	Collation                    *Collation  `native:"ref"`
	Timeseries                   *Timeseries `native:"ref"`
	ExpireAfterSeconds           int32       `native:"i32"`
	ChangeStreamPreAndPostImages bool        `native:"bool"`
	Capped                       bool        `native:"bool"`
	Max                          int32       `native:"i32"`
	Size                         int32       `native:"i32"`
	RequestID                    int32       `native:"i32"`
}

type CreateIndexRequest struct {
	CollectionName string `native:"str"`
	Index          string `native:"str"`
	Options        string `native:"str,opt"`
	Name           string `native:"str,opt"`
	RequestID      int32  `native:"i32"`
}

type AggregateRequest struct {
	CollectionName string `native:"str"`
	Aggregates     string `native:"str"`
	QueryAs        string `native:"str,opt"`
	Hint           string `native:"str,opt"`
	Explain        bool   `native:"bool"`
	RequestID      int32  `native:"i32"`
}

type CountRequest struct {
	CollectionName string `native:"str"`
	Query          string `native:"str,opt"`
	QueryAs        string `native:"str,opt"`
	Explain        bool   `native:"bool"`
	RequestID      int32  `native:"i32"`
}

type CountResponse struct {
	Success   bool   `native:"bool"`
	Result    int32  `native:"i32"`
	Error     string `native:"str"`
	RequestID int32  `native:"i32"`
}

type DistinctRequest struct {
	CollectionName string `native:"str"`
	Field          string `native:"str"`
	Query          string `native:"str,opt"`
	QueryAs        string `native:"str,opt"`
	Explain        bool   `native:"bool"`
	RequestID      int32  `native:"i32"`
}

type DistinctResponse struct {
	Success   bool     `native:"bool"`
	Results   []string `native:"strs"`
	Error     string   `native:"str"`
	_         int32    `native:"len=Results"`
	RequestID int32    `native:"i32"`
}

type InsertOneRequest struct {
	CollectionName string `native:"str"`
	Item           string `native:"str"`
	W              int32  `native:"i32"`
	J              bool   `native:"bool"`
	RequestID      int32  `native:"i32"`
}

type InsertManyRequest struct {
	CollectionName string `native:"str"`
	Items          string `native:"str"`
	W              int32  `native:"i32"`
	J              bool   `native:"bool"`
	SkipResults    bool   `native:"bool"`
	RequestID      int32  `native:"i32"`
}

type UpdateOneRequest struct {
	CollectionName string `native:"str"`
	Item           string `native:"str"`
	W              int32  `native:"i32"`
	J              bool   `native:"bool"`
	RequestID      int32  `native:"i32"`
}

type InsertOrUpdateOneRequest struct {
	CollectionName string `native:"str"`
	Uniqeness      string `native:"str"`
	Item           string `native:"str"`
	W              int32  `native:"i32"`
	J              bool   `native:"bool"`
	RequestID      int32  `native:"i32"`
}

type DeleteOneRequest struct {
	CollectionName string `native:"str"`
	ID             string `native:"str"`
	Recursive      bool   `native:"bool"`
	RequestID      int32  `native:"i32"`
}

// DeleteResponse answers delete_one and delete_many.
type DeleteResponse struct {
	Success      bool   `native:"bool"`
	AffectedRows int32  `native:"i32"`
	Error        string `native:"str"`
	RequestID    int32  `native:"i32"`
}

// DeleteManyRequest carries ids as a NULL-terminated array; the native
// side has no count field for it.
type DeleteManyRequest struct {
	CollectionName string   `native:"str"`
	Query          string   `native:"str,opt"`
	Recursive      bool     `native:"bool"`
	Ids            []string `native:"strs,nullterm"`
	RequestID      int32    `native:"i32"`
}

type DownloadRequest struct {
	CollectionName string `native:"str"`
	ID             string `native:"str"`
	Folder         string `native:"str,opt"`
	Filename       string `native:"str,opt"`
	RequestID      int32  `native:"i32"`
}

type DownloadResponse struct {
	Success   bool   `native:"bool"`
	Filename  string `native:"str"`
	Error     string `native:"str"`
	RequestID int32  `native:"i32"`
}

type UploadRequest struct {
	Filepath       string `native:"str"`
	Filename       string `native:"str,opt"`
	Mimetype       string `native:"str,opt"`
	Metadata       string `native:"str,opt"`
	CollectionName string `native:"str,opt"`
	RequestID      int32  `native:"i32"`
}

type UploadResponse struct {
	Success   bool   `native:"bool"`
	ID        string `native:"str"`
	Error     string `native:"str"`
	RequestID int32  `native:"i32"`
}

type WatchRequest struct {
	CollectionName string `native:"str"`
	Paths          string `native:"str,opt"`
	RequestID      int32  `native:"i32"`
}

type WatchResponse struct {
	Success   bool   `native:"bool"`
	WatchID   string `native:"str"`
	Error     string `native:"str"`
	RequestID int32  `native:"i32"`
}

type WatchEvent struct {
	ID        string `native:"str"`
	Operation string `native:"str"`
	Document  string `native:"str"`
	RequestID int32  `native:"i32"`
}

type RegisterQueueRequest struct {
	QueueName string `native:"str,opt"`
	RequestID int32  `native:"i32"`
}

// QueueResponse answers register_queue and register_exchange.
type QueueResponse struct {
	Success   bool   `native:"bool"`
	QueueName string `native:"str"`
	Error     string `native:"str"`
	RequestID int32  `native:"i32"`
}

type RegisterExchangeRequest struct {
	ExchangeName string `native:"str"`
	Algorithm    string `native:"str,opt"`
	RoutingKey   string `native:"str,opt"`
	AddQueue     bool   `native:"bool"`
	RequestID    int32  `native:"i32"`
}

// QueueEvent is delivered to queue and exchange event trampolines.
type QueueEvent struct {
	QueueName     string `native:"str"`
	CorrelationID string `native:"str"`
	ReplyTo       string `native:"str"`
	RoutingKey    string `native:"str"`
	ExchangeName  string `native:"str"`
	Data          string `native:"str"`
	RequestID     int32  `native:"i32"`
}

// QueueMessageRequest is also the request of rpc and rpc_async.
type QueueMessageRequest struct {
	QueueName     string `native:"str,opt"`
	CorrelationID string `native:"str,opt"`
	ReplyTo       string `native:"str,opt"`
	RoutingKey    string `native:"str,opt"`
	ExchangeName  string `native:"str,opt"`
	Data          string `native:"str"`
	StripToken    bool   `native:"bool"`
	Expiration    int32  `native:"i32"`
	RequestID     int32  `native:"i32"`
}

type WorkitemFile struct {
	Filename   string `native:"str"`
	ID         string `native:"str,opt"`
	Compressed bool   `native:"bool"`
}

type Workitem struct {
	ID           string         `native:"str,opt"`
	Name         string         `native:"str,opt"`
	Payload      string         `native:"str,opt"`
	Priority     int32          `native:"i32"`
	NextRun      uint64         `native:"u64"`
	LastRun      uint64         `native:"u64"`
	Files        []WorkitemFile `native:"refs"`
	_            int32          `native:"len=Files"`
	State        string         `native:"str,opt"`
	Wiq          string         `native:"str,opt"`
	WiqID        string         `native:"str,opt"`
	Retries      int32          `native:"i32"`
	Username     string         `native:"str,opt"`
	SuccessWiqID string         `native:"str,opt"`
	FailedWiqID  string         `native:"str,opt"`
	SuccessWiq   string         `native:"str,opt"`
	FailedWiq    string         `native:"str,opt"`
	ErrorMessage string         `native:"str,opt"`
	ErrorSource  string         `native:"str,opt"`
	ErrorType    string         `native:"str,opt"`
}

type PushWorkitemRequest struct {
	Wiq          string         `native:"str,opt"`
	WiqID        string         `native:"str,opt"`
	Name         string         `native:"str"`
	Payload      string         `native:"str,opt"`
	NextRun      uint64         `native:"u64"`
	SuccessWiqID string         `native:"str,opt"`
	FailedWiqID  string         `native:"str,opt"`
	SuccessWiq   string         `native:"str,opt"`
	FailedWiq    string         `native:"str,opt"`
	Priority     int32          `native:"i32"`
	Files        []WorkitemFile `native:"refs"`
	_            int32          `native:"len=Files"`
	RequestID    int32          `native:"i32"`
}

// WorkitemResponse answers push, pop and update of work items. A pop on
// an empty queue succeeds with a nil Workitem.
type WorkitemResponse struct {
	Success   bool      `native:"bool"`
	Error     string    `native:"str"`
	Workitem  *Workitem `native:"ref"`
	RequestID int32     `native:"i32"`
}

type PopWorkitemRequest struct {
	Wiq       string `native:"str,opt"`
	WiqID     string `native:"str,opt"`
	RequestID int32  `native:"i32"`
}

type UpdateWorkitemRequest struct {
	Workitem         *Workitem      `native:"ref"`
	IgnoreMaxRetries bool           `native:"bool"`
	Files            []WorkitemFile `native:"refs"`
	_                int32          `native:"len=Files"`
	RequestID        int32          `native:"i32"`
}

type DeleteWorkitemRequest struct {
	ID        string `native:"str"`
	RequestID int32  `native:"i32"`
}

type ClientEventResponse struct {
	Success bool   `native:"bool"`
	EventID string `native:"str"`
	Error   string `native:"str"`
}

// ClientEvent carries no correlation key: each subscription gets its own
// trampoline.
type ClientEvent struct {
	Event  string `native:"str"`
	Reason string `native:"str"`
}

type InvokeOpenRPARequest struct {
	RobotID    string `native:"str"`
	WorkflowID string `native:"str"`
	Payload    string `native:"str,opt"`
	RPC        bool   `native:"bool"`
	RequestID  int32  `native:"i32"`
}
