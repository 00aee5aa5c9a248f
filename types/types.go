// Package types holds the council proxy's wire-independent data model (spec
// §3): requests, council members, deliberation/negotiation records, budget
// rows, idempotency records and tool definitions. These are plain value
// types — no behavior, no storage — shared by every component package.
package types

import "time"

// UserRequest is the inbound unit of work for one council deliberation.
type UserRequest struct {
	ID                   string               `json:"id"`
	Query                string               `json:"query"`
	SessionID            string               `json:"sessionId,omitempty"`
	ConversationContext  []ConversationTurn   `json:"conversationContext,omitempty"`
	IdempotencyKey       string               `json:"idempotencyKey,omitempty"`
	Timestamp            time.Time            `json:"timestamp"`
}

// ConversationTurn is one prior user/assistant turn carried as context.
type ConversationTurn struct {
	Role             string `json:"role"` // "user" | "assistant"
	Content          string `json:"content"`
	ApproxTokenCount int    `json:"approxTokenCount"`
}

// RetryPolicy governs a council member's per-call retry behavior (§4.3).
type RetryPolicy struct {
	MaxAttempts         int            `json:"maxAttempts"`
	InitialDelayMs       int64          `json:"initialDelayMs"`
	MaxDelayMs           int64          `json:"maxDelayMs"`
	BackoffMultiplier    float64        `json:"backoffMultiplier"`
	RetryableErrorCodes  map[ErrorCode]bool `json:"retryableErrorCodes"`
}

// DefaultRetryPolicy mirrors the teacher's exponential-backoff retry
// defaults, translated into the council's ErrorCode vocabulary.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelayMs:    100,
		MaxDelayMs:        5000,
		BackoffMultiplier: 2.0,
		RetryableErrorCodes: map[ErrorCode]bool{
			ErrorCodeRateLimit:          true,
			ErrorCodeServiceUnavailable: true,
			ErrorCodeTimeout:            true,
			ErrorCodeNetworkError:       true,
		},
	}
}

// ErrorCode is the adapter-level error classification (§4.3, §7).
type ErrorCode string

const (
	ErrorCodeAuthError          ErrorCode = "AUTH_ERROR"
	ErrorCodeRateLimit          ErrorCode = "RATE_LIMIT"
	ErrorCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeTimeout            ErrorCode = "TIMEOUT"
	ErrorCodeNetworkError       ErrorCode = "NETWORK_ERROR"
	ErrorCodeUnknown            ErrorCode = "UNKNOWN_ERROR"
)

// CouncilMember is a configured (provider, model) endpoint.
type CouncilMember struct {
	ID             string      `json:"id"`
	Provider       string      `json:"provider"`
	Model          string      `json:"model"`
	Version        string      `json:"version,omitempty"`
	Weight         float64     `json:"weight,omitempty"` // 0 means "unset", caller should default to 1/n
	TimeoutSeconds int         `json:"timeoutSeconds"`
	RetryPolicy    RetryPolicy `json:"retryPolicy"`
}

// TokenUsage mirrors core.TokenUsage's shape for provider responses.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// InitialResponse is a member's round-0 output.
type InitialResponse struct {
	MemberID  string        `json:"memberId"`
	Content   string        `json:"content"`
	Usage     TokenUsage    `json:"usage"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

// Exchange is a member's output in a deliberation round beyond round 0.
type Exchange struct {
	MemberID     string        `json:"memberId"`
	Content      string        `json:"content"`
	Usage        TokenUsage    `json:"usage"`
	Latency      time.Duration `json:"latency"`
	Timestamp    time.Time     `json:"timestamp"`
	RoundNumber  int           `json:"roundNumber"`
	ReferencesTo []string      `json:"referencesTo,omitempty"`
}

// DeliberationRound holds every member's exchange for one round, keyed by
// member id. Round 0 holds InitialResponses wrapped as Exchanges with
// RoundNumber=0.
type DeliberationRound struct {
	RoundNumber int                  `json:"roundNumber"`
	Exchanges   map[string]Exchange  `json:"exchanges"`
}

// SortedExchanges returns the round's exchanges sorted by timestamp
// ascending, satisfying the deliberation-ordering invariant (spec §3, §8.8).
func (d DeliberationRound) SortedExchanges() []Exchange {
	out := make([]Exchange, 0, len(d.Exchanges))
	for _, ex := range d.Exchanges {
		out = append(out, ex)
	}
	sortExchangesByTimestamp(out)
	return out
}

func sortExchangesByTimestamp(exs []Exchange) {
	for i := 1; i < len(exs); i++ {
		for j := i; j > 0 && exs[j].Timestamp.Before(exs[j-1].Timestamp); j-- {
			exs[j], exs[j-1] = exs[j-1], exs[j]
		}
	}
}

// DeliberationThread is the ordered sequence of rounds for one request.
type DeliberationThread struct {
	RequestID string              `json:"requestId"`
	Rounds    []DeliberationRound `json:"rounds"` // sorted by RoundNumber ascending
}

// Confidence is the tagged confidence level on a ConsensusDecision.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ConfidenceForAgreement derives confidence from agreementLevel per the
// invariant in spec §3: agreementLevel=1 implies high, <0.5 implies low,
// the middle range is medium.
func ConfidenceForAgreement(agreementLevel float64) Confidence {
	switch {
	case agreementLevel >= 1.0:
		return ConfidenceHigh
	case agreementLevel < 0.5:
		return ConfidenceLow
	default:
		return ConfidenceMedium
	}
}

// SynthesisStrategy is the tagged variant selecting how a decision is produced.
type SynthesisStrategy string

const (
	StrategyConsensusExtraction SynthesisStrategy = "consensus-extraction"
	StrategyWeightedFusion      SynthesisStrategy = "weighted-fusion"
	StrategyMetaSynthesis       SynthesisStrategy = "meta-synthesis"
	StrategyIterativeConsensus  SynthesisStrategy = "iterative-consensus"
)

// FallbackReason records why the iterative synthesizer fell back rather
// than reaching consensus (spec §4.2).
type FallbackReason string

const (
	FallbackNone             FallbackReason = ""
	FallbackDeadlock         FallbackReason = "deadlock"
	FallbackExhaustion       FallbackReason = "exhaustion"
	FallbackEmbeddingFailure FallbackReason = "embedding-failure"
)

// ConsensusDecision is the terminal output of one orchestrated request.
type ConsensusDecision struct {
	Content             string            `json:"content"`
	Confidence          Confidence        `json:"confidence"`
	AgreementLevel      float64           `json:"agreementLevel"`
	SynthesisStrategy   SynthesisStrategy `json:"synthesisStrategy"`
	ContributingMembers []string          `json:"contributingMembers"`
	FallbackReason      FallbackReason    `json:"fallbackReason,omitempty"`
	Timestamp           time.Time         `json:"timestamp"`
}

// NegotiationResponse is a member's output in one negotiation round, the
// unit over which pairwise similarity is measured (§4.2).
type NegotiationResponse struct {
	MemberID    string `json:"memberId"`
	Content     string `json:"content"`
	RoundNumber int    `json:"roundNumber"`
	TokenCount  int    `json:"tokenCount"`
}

// Agreement groups members whose round responses mutually exceed the
// agreement threshold (§4.2 "Agreement extraction").
type Agreement struct {
	MemberIDs []string `json:"memberIds"`
	Position  string   `json:"position"`
	Cohesion  float64  `json:"cohesion"`
}

// NegotiationExample is a historical disagreement/resolution pair injected
// into the negotiation prompt (capped at 2, spec §4.2).
type NegotiationExample struct {
	Category     string `json:"category"`
	Disagreement string `json:"disagreement"`
	Resolution   string `json:"resolution"`
}

// BudgetPeriodType enumerates the three calendar accounting periods (§3).
type BudgetPeriodType string

const (
	BudgetPeriodDaily   BudgetPeriodType = "daily"
	BudgetPeriodWeekly  BudgetPeriodType = "weekly"
	BudgetPeriodMonthly BudgetPeriodType = "monthly"
)

// BudgetCap is a (providerId, modelId?) -> {daily?, weekly?, monthly?}
// monetary limit row. A nil ModelID means provider-wide.
type BudgetCap struct {
	ProviderID   string   `json:"providerId"`
	ModelID      *string  `json:"modelId,omitempty"`
	DailyLimit   *float64 `json:"dailyLimit,omitempty"`
	WeeklyLimit  *float64 `json:"weeklyLimit,omitempty"`
	MonthlyLimit *float64 `json:"monthlyLimit,omitempty"`
}

// LimitForPeriod returns the configured limit for a period type, and
// whether one is set at all.
func (c BudgetCap) LimitForPeriod(period BudgetPeriodType) (float64, bool) {
	switch period {
	case BudgetPeriodDaily:
		if c.DailyLimit != nil {
			return *c.DailyLimit, true
		}
	case BudgetPeriodWeekly:
		if c.WeeklyLimit != nil {
			return *c.WeeklyLimit, true
		}
	case BudgetPeriodMonthly:
		if c.MonthlyLimit != nil {
			return *c.MonthlyLimit, true
		}
	}
	return 0, false
}

// BudgetSpending is the (provider, model?, periodType, periodStart,
// periodEnd) -> (currentSpend, disabled) accounting row (§3).
type BudgetSpending struct {
	ProviderID    string           `json:"providerId"`
	ModelID       *string          `json:"modelId,omitempty"`
	PeriodType    BudgetPeriodType `json:"periodType"`
	PeriodStart   time.Time        `json:"periodStart"`
	PeriodEnd     time.Time        `json:"periodEnd"`
	CurrentSpend  float64          `json:"currentSpending"`
	Disabled      bool             `json:"disabled"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Active reports whether `now` falls within [PeriodStart, PeriodEnd).
func (s BudgetSpending) Active(now time.Time) bool {
	return !now.Before(s.PeriodStart) && now.Before(s.PeriodEnd)
}

// IdempotencyStatus is the lifecycle state of an IdempotencyRecord (§3).
type IdempotencyStatus string

const (
	IdempotencyNotFound   IdempotencyStatus = "not-found"
	IdempotencyInProgress IdempotencyStatus = "in-progress"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// ErrorResponse is the structured error payload cached for a failed request.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// IdempotencyRecord is the persisted per-key coordination record (§4.4).
type IdempotencyRecord struct {
	Key           string             `json:"key"`
	RequestID     string             `json:"requestId"`
	Status        IdempotencyStatus  `json:"status"`
	Decision      *ConsensusDecision `json:"decision,omitempty"`
	Error         *ErrorResponse     `json:"error,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// ParamType is the tagged union of tool parameter runtime types (§3, §9).
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
)

// ParamSpec describes one tool parameter.
type ParamSpec struct {
	Name     string      `json:"name"`
	Type     ParamType   `json:"type"`
	Required bool        `json:"required"`
	Default  interface{} `json:"default,omitempty"`
}

// AdapterTag selects how a ToolDefinition is invoked (§4.6).
type AdapterTag string

const (
	AdapterFunction AdapterTag = "function"
	AdapterHTTP     AdapterTag = "http"
)

// ToolDefinition describes one callable tool.
type ToolDefinition struct {
	Name       string      `json:"name"`
	Parameters []ParamSpec `json:"parameters"`
	Adapter    AdapterTag  `json:"adapter"`
	Endpoint   string      `json:"endpoint,omitempty"` // for AdapterHTTP
}

// ToolCall is one invocation request emitted by a council member.
type ToolCall struct {
	Name      string                 `json:"name"`
	Params    map[string]interface{} `json:"params"`
	MemberID  string                 `json:"memberId"`
	RequestID string                 `json:"requestId"`
}

// ToolResult is the outcome of one ToolCall.
type ToolResult struct {
	Name      string        `json:"name"`
	Success   bool          `json:"success"`
	Output    interface{}   `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

// ProviderResponse is an adapter's canonical response shape (§4.3).
type ProviderResponse struct {
	Content   string        `json:"content"`
	Usage     TokenUsage    `json:"usage"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	ErrorCode ErrorCode     `json:"errorCode,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// HealthState is the provider-pool-level fleet health status (§4.3) —
// distinct vocabulary from core.HealthStatus, which describes a single
// process's liveness rather than a provider's rolling call health.
type HealthState string

const (
	HealthStateHealthy  HealthState = "healthy"
	HealthStateDegraded HealthState = "degraded"
	HealthStateDisabled HealthState = "disabled"
)

// ProviderHealth tracks a provider's rolling health (§4.3).
type ProviderHealth struct {
	Status              HealthState `json:"status"`
	SuccessRate         float64     `json:"successRate"`
	AvgLatencyMs        float64     `json:"avgLatencyMs"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	LastFailure         time.Time   `json:"lastFailure,omitempty"`
}

// RateLimitStatus tracks a provider's rate-limit bookkeeping (§4.3).
type RateLimitStatus struct {
	IsRateLimited     bool      `json:"isRateLimited"`
	RetryAfterMs      int64     `json:"retryAfterMs,omitempty"`
	LastRateLimitTime time.Time `json:"lastRateLimitTime,omitempty"`
	Count             int       `json:"count"`
}
