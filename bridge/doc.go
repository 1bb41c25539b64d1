// Package bridge maps inbound legacy HTTP calls onto the task call
// surface: request bodies become TaskRequests, TaskResponses become
// JSON bodies with HTTP-style codes (COMPLETED 200, FAILED 500,
// TIMEOUT 408, CANCELLED 499). The bridge consumes the task correlation
// layer only and adds no transport logic of its own.
package bridge
