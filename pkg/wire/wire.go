// Package wire defines the JSON bodies exchanged between compute services
// and the crucible server.
package wire

import (
	"github.com/dyluth/crucible/pkg/scope"
	"github.com/dyluth/crucible/pkg/taskgraph"
)

type TokenRequest struct {
	Identity string `json:"identity"`
	Key      string `json:"key"`
}

type TokenResponse struct {
	Token            string `json:"token"`
	ExpiresInSeconds int    `json:"expires_in"`
}

// RegisterRequest announces a compute service. The identity comes from the
// bearer token.
type RegisterRequest struct {
	Scopes                   scope.Set `json:"scopes"`
	Protocols                []string  `json:"protocols,omitempty"`
	ClaimLimit               int       `json:"claim_limit"`
	HeartbeatIntervalSeconds float64   `json:"heartbeat_interval_seconds"`
}

type ClaimRequest struct {
	Scopes    scope.Set `json:"scopes,omitempty"` // Empty requests every authorized scope
	Protocols []string  `json:"protocols,omitempty"`
	Limit     int       `json:"limit"`
}

type ClaimResponse struct {
	Tasks []string `json:"tasks"`
}

type StatusResponse struct {
	ID     string           `json:"id"`
	Status taskgraph.Status `json:"status"`
}

type ReportRequest struct {
	Status    taskgraph.Status `json:"status"`
	ResultRef string           `json:"result_ref,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// PutObjectRequest stores a payload. Task is the owning task ID (or input
// bundle ID for kind "inputs"); the scope is taken from the task when it
// exists, otherwise from Scope.
type PutObjectRequest struct {
	Task  string      `json:"task"`
	Kind  string      `json:"kind"`
	Scope scope.Scope `json:"scope"`
	Data  []byte      `json:"data"`
}

type PutObjectResponse struct {
	Ref string `json:"ref"`
}

// ErrorCode classifies an error response so clients can rebuild typed errors.
type ErrorCode string

const (
	CodeStructural   ErrorCode = "structural"
	CodeInvalid      ErrorCode = "invalid"
	CodeNotFound     ErrorCode = "not_found"
	CodeConflict     ErrorCode = "conflict"
	CodeBlocked      ErrorCode = "blocked"
	CodeUnauthorized ErrorCode = "unauthorized"
	CodeForbidden    ErrorCode = "forbidden"
	CodeCorrupt      ErrorCode = "corrupt"
	CodeInternal     ErrorCode = "internal"
)

type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}
