// Package native is the boundary to the OpenIAP C library. Callers see a
// Library: named symbols taking and returning machine words, plus
// native-callable function pointers built from Go funcs.
package native

// Library is a loaded native client library.
type Library interface {
	// Call invokes sym with integer or pointer arguments and returns the
	// integer or pointer result. Void functions return 0.
	Call(sym string, args ...uintptr) uintptr

	// CallF64 invokes a void function taking (const char*, double, const char*).
	CallF64(sym string, name uintptr, value float64, desc uintptr)

	// NewCallback returns a C function pointer that runs fn with the single
	// pointer argument it is called with. The pointer is never freed.
	NewCallback(fn func(arg uintptr) uintptr) uintptr
}

// ABI symbol names of clib_openiap.
const (
	SymCreateClient            = "create_client"
	SymClientConnect           = "client_connect"
	SymFreeConnectResponse     = "free_connect_response"
	SymClientDisconnect        = "client_disconnect"
	SymFreeClient              = "free_client"
	SymClientSetAgentName      = "client_set_agent_name"
	SymClientSetAgentVersion   = "client_set_agent_version"
	SymClientSetDefaultTimeout = "client_set_default_timeout"
	SymClientGetDefaultTimeout = "client_get_default_timeout"
	SymClientGetState          = "client_get_state"
	SymClientUser              = "client_user"
	SymFreeUser                = "free_user"

	SymSignin                       = "signin"
	SymFreeSigninResponse           = "free_signin_response"
	SymQuery                        = "query"
	SymFreeQueryResponse            = "free_query_response"
	SymAggregate                    = "aggregate"
	SymFreeAggregateResponse        = "free_aggregate_response"
	SymCount                        = "count"
	SymFreeCountResponse            = "free_count_response"
	SymDistinct                     = "distinct"
	SymFreeDistinctResponse         = "free_distinct_response"
	SymListCollections              = "list_collections"
	SymFreeListCollectionsResponse  = "free_list_collections_response"
	SymCreateCollection             = "create_collection"
	SymFreeCreateCollectionResponse = "free_create_collection_response"
	SymDropCollection               = "drop_collection"
	SymFreeDropCollectionResponse   = "free_drop_collection_response"
	SymGetIndexes                   = "get_indexes"
	SymFreeGetIndexesResponse       = "free_get_indexes_response"
	SymCreateIndex                  = "create_index"
	SymFreeCreateIndexResponse      = "free_create_index_response"
	SymDropIndex                    = "drop_index"
	SymFreeDropIndexResponse        = "free_drop_index_response"

	SymInsertOne                     = "insert_one"
	SymFreeInsertOneResponse         = "free_insert_one_response"
	SymInsertMany                    = "insert_many"
	SymFreeInsertManyResponse        = "free_insert_many_response"
	SymUpdateOne                     = "update_one"
	SymFreeUpdateOneResponse         = "free_update_one_response"
	SymInsertOrUpdateOne             = "insert_or_update_one"
	SymFreeInsertOrUpdateOneResponse = "free_insert_or_update_one_response"
	SymDeleteOne                     = "delete_one"
	SymFreeDeleteOneResponse         = "free_delete_one_response"
	SymDeleteMany                    = "delete_many"
	SymFreeDeleteManyResponse        = "free_delete_many_response"

	SymDownload             = "download"
	SymFreeDownloadResponse = "free_download_response"
	SymUpload               = "upload"
	SymFreeUploadResponse   = "free_upload_response"

	SymWatchAsync          = "watch_async_async"
	SymFreeWatchResponse   = "free_watch_response"
	SymFreeWatchEvent      = "free_watch_event"
	SymUnwatch             = "unwatch"
	SymFreeUnwatchResponse = "free_unwatch_response"

	SymRegisterQueueAsync           = "register_queue_async"
	SymFreeRegisterQueueResponse    = "free_register_queue_response"
	SymFreeQueueEvent               = "free_queue_event"
	SymRegisterExchangeAsync        = "register_exchange_async"
	SymFreeRegisterExchangeResponse = "free_register_exchange_response"
	SymUnregisterQueue              = "unregister_queue"
	SymFreeUnregisterQueueResponse  = "free_unregister_queue_response"
	SymQueueMessage                 = "queue_message"
	SymFreeQueueMessageResponse     = "free_queue_message_response"
	SymRPC                          = "rpc"
	SymRPCAsync                     = "rpc_async"
	SymFreeRPCResponse              = "free_rpc_response"
	SymOnClientEventAsync           = "on_client_event_async"
	SymFreeEventResponse            = "free_event_response"
	SymFreeClientEvent              = "free_client_event"
	SymOffClientEvent               = "off_client_event"
	SymFreeOffEventResponse         = "free_off_event_response"
	SymCustomCommand                = "custom_command"
	SymFreeCustomCommandResponse    = "free_custom_command_response"
	SymInvokeOpenRPA                = "invoke_openrpa"
	SymFreeInvokeOpenRPAResponse    = "free_invoke_openrpa_response"

	SymPushWorkitem               = "push_workitem"
	SymFreePushWorkitemResponse   = "free_push_workitem_response"
	SymPopWorkitem                = "pop_workitem"
	SymFreePopWorkitemResponse    = "free_pop_workitem_response"
	SymUpdateWorkitem             = "update_workitem"
	SymFreeUpdateWorkitemResponse = "free_update_workitem_response"
	SymDeleteWorkitem             = "delete_workitem"
	SymFreeDeleteWorkitemResponse = "free_delete_workitem_response"

	SymSetF64Gauge    = "set_f64_observable_gauge"
	SymSetU64Gauge    = "set_u64_observable_gauge"
	SymSetI64Gauge    = "set_i64_observable_gauge"
	SymDisableGauge   = "disable_observable_gauge"
	SymEnableTracing  = "enable_tracing"
	SymDisableTracing = "disable_tracing"

	SymLogError = "error"
	SymLogWarn  = "warn"
	SymLogInfo  = "info"
	SymLogDebug = "debug"
	SymLogTrace = "trace"
)

// Required lists every symbol the binding calls. Open refuses a library
// missing any of them.
var Required = []string{
	SymCreateClient, SymClientConnect, SymFreeConnectResponse,
	SymClientDisconnect, SymFreeClient, SymClientSetAgentName,
	SymClientSetAgentVersion, SymClientSetDefaultTimeout,
	SymClientGetDefaultTimeout, SymClientGetState, SymClientUser, SymFreeUser,

	SymSignin, SymFreeSigninResponse,
	SymQuery, SymFreeQueryResponse,
	SymAggregate, SymFreeAggregateResponse,
	SymCount, SymFreeCountResponse,
	SymDistinct, SymFreeDistinctResponse,
	SymListCollections, SymFreeListCollectionsResponse,
	SymCreateCollection, SymFreeCreateCollectionResponse,
	SymDropCollection, SymFreeDropCollectionResponse,
	SymGetIndexes, SymFreeGetIndexesResponse,
	SymCreateIndex, SymFreeCreateIndexResponse,
	SymDropIndex, SymFreeDropIndexResponse,

	SymInsertOne, SymFreeInsertOneResponse,
	SymInsertMany, SymFreeInsertManyResponse,
	SymUpdateOne, SymFreeUpdateOneResponse,
	SymInsertOrUpdateOne, SymFreeInsertOrUpdateOneResponse,
	SymDeleteOne, SymFreeDeleteOneResponse,
	SymDeleteMany, SymFreeDeleteManyResponse,

	SymDownload, SymFreeDownloadResponse,
	SymUpload, SymFreeUploadResponse,

	SymWatchAsync, SymFreeWatchResponse, SymFreeWatchEvent,
	SymUnwatch, SymFreeUnwatchResponse,

	SymRegisterQueueAsync, SymFreeRegisterQueueResponse, SymFreeQueueEvent,
	SymRegisterExchangeAsync, SymFreeRegisterExchangeResponse,
	SymUnregisterQueue, SymFreeUnregisterQueueResponse,
	SymQueueMessage, SymFreeQueueMessageResponse,
	SymRPC, SymRPCAsync, SymFreeRPCResponse,
	SymOnClientEventAsync, SymFreeEventResponse, SymFreeClientEvent,
	SymOffClientEvent, SymFreeOffEventResponse,
	SymCustomCommand, SymFreeCustomCommandResponse,
	SymInvokeOpenRPA, SymFreeInvokeOpenRPAResponse,

	SymPushWorkitem, SymFreePushWorkitemResponse,
	SymPopWorkitem, SymFreePopWorkitemResponse,
	SymUpdateWorkitem, SymFreeUpdateWorkitemResponse,
	SymDeleteWorkitem, SymFreeDeleteWorkitemResponse,

	SymSetF64Gauge, SymSetU64Gauge, SymSetI64Gauge, SymDisableGauge,
	SymEnableTracing, SymDisableTracing,
	SymLogError, SymLogWarn, SymLogInfo, SymLogDebug, SymLogTrace,
}
