package ipc

import "github.com/questionpy-go/questionpy-server/internal/manifest"

// MessageID identifies the shape of a frame's JSON payload. The two ranges
// from spec.md §4.1 are disjoint: server-to-worker IDs are 0-999,
// worker-to-server IDs are 1000-1999. Receivers reject any frame whose ID
// falls outside their own expected range.
type MessageID uint32

const (
	// Server -> worker.
	MsgInitWorker                 MessageID = 0
	MsgLoadPackage                MessageID = 1
	MsgGetManifest                MessageID = 2
	MsgGetOptionsForm             MessageID = 3
	MsgCreateQuestionFromOptions  MessageID = 4
	MsgStartAttempt               MessageID = 5
	MsgViewAttempt                MessageID = 6
	MsgScoreAttempt               MessageID = 7
	MsgExit                       MessageID = 8

	// Worker -> server.
	MsgInitWorkerResponse                MessageID = 1000
	MsgLoadPackageResponse               MessageID = 1001
	MsgGetManifestResponse               MessageID = 1002
	MsgGetOptionsFormResponse            MessageID = 1003
	MsgCreateQuestionFromOptionsResponse MessageID = 1004
	MsgStartAttemptResponse              MessageID = 1005
	MsgViewAttemptResponse               MessageID = 1006
	MsgScoreAttemptResponse              MessageID = 1007
	MsgWorkerError                       MessageID = 1999
)

// ServerToWorkerRange and WorkerToServerRange bound the two disjoint ID
// spaces; a receiver uses whichever range corresponds to frames it expects
// to receive, never the range it sends on.
var (
	ServerToWorkerRange = [2]MessageID{0, 999}
	WorkerToServerRange = [2]MessageID{1000, 1999}
)

func InRange(id MessageID, r [2]MessageID) bool {
	return id >= r[0] && id <= r[1]
}

// WorkerType selects the isolation strategy of a spawned worker. Thread
// workers exist only for debugging (spec.md §4.3) and never enforce time or
// memory limits.
type WorkerType string

const (
	WorkerTypeProcess WorkerType = "process"
	WorkerTypeThread  WorkerType = "thread"
)

// ResourceLimits is the WorkerResourceLimits of the Python environment.py,
// the tuple enforced per worker and aggregated by the pool.
type ResourceLimits struct {
	MaxMemoryBytes           int64   `json:"max_memory"`
	MaxCPUTimeSecondsPerCall float64 `json:"max_cpu_time_seconds_per_call"`
}

// RequestUser carries the language preference block accompanying every
// user-facing request (spec.md glossary).
type RequestUser struct {
	PreferredLanguages []string `json:"preferred_languages"`
}

// --- Bootstrap ---

type InitWorker struct {
	Limits     ResourceLimits `json:"limits"`
	WorkerType WorkerType     `json:"worker_type"`
}

type InitWorkerResponse struct{}

// --- LoadPackage ---

// LoadPackage's Location is transmitted as a discriminated JSON object; see
// locationWire in internal/manifest/location_json.go for the wire encoding
// of manifest.Location.
type LoadPackage struct {
	Location manifest.LocationBox `json:"location"`
	Main     bool                 `json:"main"`
}

type LoadPackageResponse struct{}

// --- GetManifest ---

type GetManifest struct {
	Location manifest.LocationBox `json:"location"`
}

type GetManifestResponse struct {
	Manifest manifest.Manifest `json:"manifest"`
}

// --- GetOptionsForm ---

type GetOptionsForm struct {
	QuestionState []byte      `json:"question_state,omitempty"`
	RequestUser   RequestUser `json:"request_user"`
}

// FormElement is one of the discriminated form-element shapes from
// questionpy_common/elements.py (static_text, input, checkbox, ...). The
// server never interprets its contents beyond pass-through, so it is kept
// as a raw JSON object keyed by "kind" rather than modeled as a closed Go
// sum type.
type FormElement map[string]any

type FormSection struct {
	Header   string        `json:"header"`
	Elements []FormElement `json:"elements"`
}

type OptionsFormDefinition struct {
	General  []FormElement `json:"general"`
	Sections []FormSection `json:"sections"`
}

type GetOptionsFormResponse struct {
	Definition OptionsFormDefinition `json:"definition"`
	FormData   map[string]any        `json:"form_data"`
}

// --- CreateQuestionFromOptions ---

type CreateQuestionFromOptions struct {
	OldState    []byte         `json:"old_state,omitempty"`
	FormData    map[string]any `json:"form_data"`
	RequestUser RequestUser    `json:"request_user"`
}

type QuestionMetadata struct {
	Namespace string `json:"namespace"`
	ShortName string `json:"short_name"`
}

type CreateQuestionFromOptionsResponse struct {
	QuestionState []byte           `json:"question_state"`
	Metadata      QuestionMetadata `json:"metadata"`
}

// --- StartAttempt ---

type StartAttempt struct {
	QuestionState []byte      `json:"question_state"`
	Variant       int         `json:"variant"`
	RequestUser   RequestUser `json:"request_user"`
}

type AttemptFile struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data"`
}

// CacheControl mirrors questionpy_common.api.attempt.CacheControl.
type CacheControl string

const (
	SharedCache  CacheControl = "SHARED_CACHE"
	PrivateCache CacheControl = "PRIVATE_CACHE"
	NoCache      CacheControl = "NO_CACHE"
)

type AttemptUI struct {
	Formulation       string                 `json:"formulation"`
	GeneralFeedback   string                 `json:"general_feedback,omitempty"`
	SpecificFeedback  string                 `json:"specific_feedback,omitempty"`
	RightAnswer       string                 `json:"right_answer,omitempty"`
	Placeholders      map[string]string      `json:"placeholders,omitempty"`
	CSSFiles          []string               `json:"css_files,omitempty"`
	Files             map[string]AttemptFile `json:"files,omitempty"`
	CacheControl      CacheControl           `json:"cache_control,omitempty"`
}

type StartAttemptResponse struct {
	AttemptState []byte    `json:"attempt_state"`
	Variant      int       `json:"variant"`
	UI           AttemptUI `json:"ui"`
}

// --- ViewAttempt ---

type ViewAttempt struct {
	QuestionState []byte         `json:"question_state"`
	AttemptState  []byte         `json:"attempt_state"`
	ScoringState  []byte         `json:"scoring_state,omitempty"`
	Response      map[string]any `json:"response,omitempty"`
	RequestUser   RequestUser    `json:"request_user"`
}

type ViewAttemptResponse struct {
	Variant int       `json:"variant"`
	UI      AttemptUI `json:"ui"`
}

// --- ScoreAttempt ---

type ScoreAttempt struct {
	QuestionState []byte         `json:"question_state"`
	AttemptState  []byte         `json:"attempt_state"`
	ScoringState  []byte         `json:"scoring_state,omitempty"`
	Response      map[string]any `json:"response"`
	RequestUser   RequestUser    `json:"request_user"`
}

// ScoringCode mirrors questionpy_common.api.attempt.ScoringCode.
type ScoringCode string

const (
	AutomaticallyScored ScoringCode = "AUTOMATICALLY_SCORED"
	NeedsManualScoring  ScoringCode = "NEEDS_MANUAL_SCORING"
	ResponseNotScorable ScoringCode = "RESPONSE_NOT_SCORABLE"
	InvalidResponse     ScoringCode = "INVALID_RESPONSE"
)

type ScoreAttemptResponse struct {
	Variant      int          `json:"variant"`
	UI           AttemptUI    `json:"ui"`
	ScoringState []byte       `json:"scoring_state,omitempty"`
	ScoringCode  ScoringCode  `json:"scoring_code"`
	Score        *float64     `json:"score"`
	ScoreFinal   *float64     `json:"score_final"`
}

// --- Exit ---

type Exit struct{}

// --- Errors ---

// ErrorKind mirrors spec.md §4.2's WorkerError.kind enumeration.
type ErrorKind string

const (
	ErrorUnknown         ErrorKind = "UNKNOWN"
	ErrorMemoryExceeded  ErrorKind = "MEMORY_EXCEEDED"
)

// WorkerError is how the worker reports a handler exception back to the
// server: it names which response the server was waiting for so the
// receive loop can resolve the right outstanding future even though no
// well-formed response was produced.
type WorkerError struct {
	ExpectedResponseID MessageID `json:"expected_response_id"`
	Kind               ErrorKind `json:"kind"`
	Message            string    `json:"message"`
}

func (e *WorkerError) Error() string {
	return string(e.Kind) + ": " + e.Message
}
