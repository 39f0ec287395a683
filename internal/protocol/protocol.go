// Package protocol defines the wire contract between the client and the
// archive server: a closed set of named requests and events, each with a
// fixed payload shape, carried in a JSON envelope. Payloads are decoded into
// their concrete types at the channel boundary so the rest of the client
// never handles untyped maps.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/photarc/photarc/internal/policy"
)

// Client -> server request names.
const (
	ReqAuthenticate     = "authenticate"
	ReqProvideMFA       = "provide_mfa"
	ReqStart            = "start"
	ReqInterrupt        = "interrupt"
	ReqCancelSchedule   = "cancel_schedule"
	ReqCreatePolicy     = "create_policy"
	ReqSavePolicy       = "save_policy"
	ReqDeletePolicy     = "delete_policy"
	ReqGetPolicies      = "get_policies"
	ReqUploadPolicies   = "upload_policies"
	ReqDownloadPolicies = "download_policies"
)

// Server -> client event names.
const (
	EvtPolicies             = "policies"
	EvtPoliciesAfterSave    = "policies_after_save"
	EvtPoliciesAfterCreate  = "policies_after_create"
	EvtPoliciesAfterDelete  = "policies_after_delete"
	EvtUploadedPolicies     = "uploaded_policies"
	EvtDownloadedPolicies   = "downloaded_policies"
	EvtAuthenticated        = "authenticated"
	EvtAuthFailed           = "authentication_failed"
	EvtMFARequired          = "mfa_required"
	EvtDownloadProgress     = "download_progress"
	EvtDownloadFinished     = "download_finished"
	EvtDownloadFailed       = "download_failed"
	EvtDownloadInterrupted  = "download_interrupted"
	EvtZipChunk             = "zip_chunk"
	EvtServerBusy           = "server_busy"
	EvtCancelledSchedule    = "cancelled_scheduled_run"
	EvtErrCancelSchedule    = "error_cancelling_scheduled_run"
	EvtErrSavingPolicy      = "error_saving_policy"
	EvtErrCreatingPolicy    = "error_creating_policy"
	EvtErrDeletingPolicy    = "error_deleting_policy"
	EvtErrInterrupting      = "error_interrupting_download"
	EvtErrUploadingPolicies = "error_uploading_policies"
	EvtErrDownloading       = "error_downloading_policies"
	EvtInternalError        = "internal_error"
)

// Envelope frames every message on the channel.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Request is implemented by all client -> server messages.
type Request interface {
	EventName() string
}

type AuthenticateRequest struct {
	PolicyName string `json:"policy_name"`
	Password   string `json:"password"`
}

type ProvideMFARequest struct {
	PolicyName string `json:"policy_name"`
	Code       string `json:"code"`
}

type StartRequest struct {
	PolicyName string `json:"policy_name"`
}

type InterruptRequest struct {
	PolicyName string `json:"policy_name"`
}

type CancelScheduleRequest struct {
	PolicyName string `json:"policy_name"`
}

type CreatePolicyRequest struct {
	Policy policy.Policy `json:"policy"`
}

type SavePolicyRequest struct {
	PolicyName string        `json:"policy_name"`
	Policy     policy.Policy `json:"policy"`
}

type DeletePolicyRequest struct {
	PolicyName string `json:"policy_name"`
}

type GetPoliciesRequest struct{}

type UploadPoliciesRequest struct {
	TOML string `json:"toml"`
}

type DownloadPoliciesRequest struct{}

func (AuthenticateRequest) EventName() string     { return ReqAuthenticate }
func (ProvideMFARequest) EventName() string       { return ReqProvideMFA }
func (StartRequest) EventName() string            { return ReqStart }
func (InterruptRequest) EventName() string        { return ReqInterrupt }
func (CancelScheduleRequest) EventName() string   { return ReqCancelSchedule }
func (CreatePolicyRequest) EventName() string     { return ReqCreatePolicy }
func (SavePolicyRequest) EventName() string       { return ReqSavePolicy }
func (DeletePolicyRequest) EventName() string     { return ReqDeletePolicy }
func (GetPoliciesRequest) EventName() string      { return ReqGetPolicies }
func (UploadPoliciesRequest) EventName() string   { return ReqUploadPolicies }
func (DownloadPoliciesRequest) EventName() string { return ReqDownloadPolicies }

// Encode wraps a request in its envelope.
func Encode(req Request) (Envelope, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", req.EventName(), err)
	}
	return Envelope{Event: req.EventName(), Payload: raw}, nil
}

// PoliciesPayload is the authoritative full list replace. Shared by the
// initial load and the post-save/create/delete/upload broadcasts.
type PoliciesPayload struct {
	Policies []policy.Policy `json:"policies"`
}

// AuthenticatedPayload confirms a successful authentication. The server
// sends the refreshed list with it; the policy's auth flags live there.
type AuthenticatedPayload struct {
	PolicyName string          `json:"policy_name"`
	Message    string          `json:"message,omitempty"`
	Policies   []policy.Policy `json:"policies"`
}

type AuthFailedPayload struct {
	PolicyName string `json:"policy_name"`
	Error      string `json:"error"`
}

type MFARequiredPayload struct {
	PolicyName string `json:"policy_name"`
	Message    string `json:"message,omitempty"`
}

type DownloadProgressPayload struct {
	Policy policy.Policy `json:"policy"`
	Logs   string        `json:"logs,omitempty"`
}

type DownloadFinishedPayload struct {
	PolicyName string `json:"policy_name"`
	Progress   int    `json:"progress"`
	Logs       string `json:"logs,omitempty"`
	Scheduled  bool   `json:"scheduled"`
}

type DownloadFailedPayload struct {
	Policy policy.Policy `json:"policy"`
	Error  string        `json:"error"`
	Logs   string        `json:"logs,omitempty"`
}

type DownloadInterruptedPayload struct {
	PolicyName string `json:"policy_name"`
}

// ZipChunkPayload carries one base64 archive fragment. Finished with no
// chunk marks end of stream. PolicyName is optional: servers streaming a
// single transfer at a time omit it.
type ZipChunkPayload struct {
	PolicyName string `json:"policy_name,omitempty"`
	Chunk      string `json:"chunk,omitempty"`
	Finished   bool   `json:"finished,omitempty"`
}

// ServerBusyPayload reports that the account already has a running policy.
// Non-fatal: the client reverts the pending start and surfaces a notice.
type ServerBusyPayload struct {
	PolicyName string `json:"policy_name"`
	Username   string `json:"username,omitempty"`
	OccupiedBy string `json:"occupied_by,omitempty"`
	Message    string `json:"message,omitempty"`
}

type CancelledSchedulePayload struct {
	PolicyName string `json:"policy_name"`
}

type DownloadedPoliciesPayload struct {
	TOML string `json:"toml"`
}

// ErrorPayload is the shared shape of the error_* family and internal_error.
type ErrorPayload struct {
	PolicyName string `json:"policy_name,omitempty"`
	Error      string `json:"error"`
}

// ErrUnknownEvent is returned when an inbound event name is not part of the
// contract.
var ErrUnknownEvent = errors.New("unknown event")

// Decode turns an inbound envelope into its typed payload. Events whose
// payload is empty decode to their zero value.
func Decode(env Envelope) (any, error) {
	var target any
	switch env.Event {
	case EvtPolicies, EvtPoliciesAfterSave, EvtPoliciesAfterCreate,
		EvtPoliciesAfterDelete, EvtUploadedPolicies:
		target = &PoliciesPayload{}
	case EvtAuthenticated:
		target = &AuthenticatedPayload{}
	case EvtAuthFailed:
		target = &AuthFailedPayload{}
	case EvtMFARequired:
		target = &MFARequiredPayload{}
	case EvtDownloadProgress:
		target = &DownloadProgressPayload{}
	case EvtDownloadFinished:
		target = &DownloadFinishedPayload{}
	case EvtDownloadFailed:
		target = &DownloadFailedPayload{}
	case EvtDownloadInterrupted:
		target = &DownloadInterruptedPayload{}
	case EvtZipChunk:
		target = &ZipChunkPayload{}
	case EvtServerBusy:
		target = &ServerBusyPayload{}
	case EvtCancelledSchedule:
		target = &CancelledSchedulePayload{}
	case EvtDownloadedPolicies:
		target = &DownloadedPoliciesPayload{}
	case EvtErrCancelSchedule, EvtErrSavingPolicy, EvtErrCreatingPolicy,
		EvtErrDeletingPolicy, EvtErrInterrupting, EvtErrUploadingPolicies,
		EvtErrDownloading, EvtInternalError:
		target = &ErrorPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, target); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Event, err)
		}
	}
	return target, nil
}
