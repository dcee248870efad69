// Package jsonrpc implements the message-level contract of JSON-RPC 2.0:
// strict request parsing, typed parameter extraction, and spec-compliant
// response construction, plus an HTTP binding for onerpc's processor chain.
//
// This package implements the JSON-RPC 2.0 specification
// (https://www.jsonrpc.org/specification) for single requests. Batch
// requests and notifications are intentionally unsupported: every request
// carries an integer id and receives exactly one response.
//
// # Basic Usage
//
// Write a dispatch function, wrap it in a Server, and serve via HTTP:
//
//	func dispatch(ctx context.Context, req *jsonrpc.Request) jsonrpc.Response {
//	    switch req.Method {
//	    case "add":
//	        nums, errResp := jsonrpc.ParseParams[[2]int](req)
//	        if errResp != nil {
//	            return *errResp
//	        }
//	        return jsonrpc.NewResponse(req.ID, nums[0]+nums[1])
//	    default:
//	        return req.MethodNotFound(req.Method)
//	    }
//	}
//
//	srv := jsonrpc.NewServer(dispatch)
//	http.Handle("/rpc", endpoint.Handler(srv.Endpoint))
//	http.ListenAndServe(":8080", nil)
//
// # Request Validation
//
// Parse accepts exactly this shape and nothing else:
//
//	{ "id": <int64>, "jsonrpc": "2.0", "method": <string>, "params": <any> }
//
// Unknown keys, missing keys and mistyped values are rejected before any
// method runs. Failures that occur before an id can be trusted answer with
// id 0; a bad jsonrpc version answers with the id that was decoded. Either
// way the caller gets back a complete error Response, never a Go error to
// translate.
//
// # Error Handling
//
// Dispatch branches build protocol errors through the taxonomy constructors:
//
//	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewInvalidParamsError("division by zero"))
//
// Standard error codes are defined as constants:
//   - CodeParseError (-32700)
//   - CodeInvalidRequest (-32600)
//   - CodeMethodNotFound (-32601)
//   - CodeInvalidParams (-32602)
//   - CodeInternalError (-32603)
//
// Application-defined codes use NewError, or NewServerError for the
// reserved [-32099, -32000] range.
//
// # Processor Integration
//
// Processors can be passed to endpoint.Handler for cross-cutting concerns:
//
//	http.Handle("/rpc", endpoint.Handler(srv.Endpoint, requestID, requestLog))
//
// Processor errors return HTTP error responses (not JSON-RPC errors).
package jsonrpc
