package models

import (
	"time"

	"github.com/google/uuid"
)

type Segment string

const (
	SegmentVIP      Segment = "VIP"
	SegmentPriority Segment = "Priority"
	SegmentMass     Segment = "Mass"
)

type TicketType string

const (
	TypeComplaint    TicketType = "complaint"
	TypeDataChange   TicketType = "data_change"
	TypeConsultation TicketType = "consultation"
	TypeClaim        TicketType = "claim"
	TypeOutage       TicketType = "outage"
	TypeFraud        TicketType = "fraud"
	TypeSpam         TicketType = "spam"
)

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

type Position string

const (
	PositionSpecialist Position = "specialist"
	PositionLead       Position = "lead"
	PositionChief      Position = "chief"
)

type TicketStatus string

const (
	TicketIngested TicketStatus = "ingested"
	TicketEnriched TicketStatus = "enriched"
	TicketRouted   TicketStatus = "routed"
	TicketClosed   TicketStatus = "closed"
)

type AddressStatus string

const (
	AddressResolved AddressStatus = "resolved"
	AddressPartial  AddressStatus = "partial"
	AddressForeign  AddressStatus = "foreign"
	AddressUnknown  AddressStatus = "unknown"
)

// Ticket is the row ingested from an upload. The orchestrator is the only
// writer after ingestion; enrichment results land in dedicated columns
// (spam verdict, coordinates, status) or in satellite tables.
type Ticket struct {
	ID                  uuid.UUID     `json:"id"`
	BatchID             uuid.UUID     `json:"batch_id"`
	CustomerGUID        string        `json:"customer_guid"`
	CSVRowIndex         int           `json:"csv_row_index"`
	Description         string        `json:"description"`
	DescriptionScrubbed string        `json:"-"`
	Segment             Segment       `json:"segment"`
	BirthDate           *time.Time    `json:"birth_date,omitempty"`
	Age                 *int          `json:"age,omitempty"`
	Gender              string        `json:"gender,omitempty"`
	Country             string        `json:"country,omitempty"`
	Region              string        `json:"region,omitempty"`
	City                string        `json:"city,omitempty"`
	Street              string        `json:"street,omitempty"`
	House               string        `json:"house,omitempty"`
	Attachments         []string      `json:"attachments,omitempty"`
	IsSpam              bool          `json:"is_spam"`
	SpamProbability     float64       `json:"spam_probability"`
	Latitude            *float64      `json:"latitude,omitempty"`
	Longitude           *float64      `json:"longitude,omitempty"`
	AddressStatus       AddressStatus `json:"address_status,omitempty"`
	GeoExplanation      string        `json:"geo_explanation,omitempty"`
	Status              TicketStatus  `json:"status"`
	CreatedAt           time.Time     `json:"created_at"`
}

// HasCoordinates reports whether geocoding produced a usable point. A
// last-resort fallback records coordinates but leaves the address unknown;
// routing treats such tickets as coordinate-less.
func (t Ticket) HasCoordinates() bool {
	return t.Latitude != nil && t.Longitude != nil && t.AddressStatus != AddressUnknown
}

type Agent struct {
	ID          string    `json:"id"`
	FullName    string    `json:"full_name"`
	Position    Position  `json:"position"`
	Skills      []string  `json:"skills"`
	SkillFactor float64   `json:"skill_factor"`
	OfficeID    string    `json:"office_id"`
	Load        int       `json:"load"`
	StressScore float64   `json:"stress_score"`
	IsActive    bool      `json:"is_active"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Office struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Address string   `json:"address"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
}

// Analysis holds the merged result of the LLM and priority stages. A
// partially failed enrichment still produces an Analysis with the
// documented defaults filled in.
type Analysis struct {
	TicketID            uuid.UUID          `json:"ticket_id"`
	DetectedType        TicketType         `json:"detected_type"`
	Language            string             `json:"language"`
	LanguageIsMixed     bool               `json:"language_is_mixed"`
	Sentiment           Sentiment          `json:"sentiment"`
	SentimentConfidence float64            `json:"sentiment_confidence"`
	Summary             string             `json:"summary"`
	AnomalyFlags        []string           `json:"anomaly_flags,omitempty"`
	PriorityBase        float64            `json:"priority_base"`
	PriorityExtra       float64            `json:"priority_extra"`
	PriorityFinal       float64            `json:"priority_final"`
	PriorityBreakdown   map[string]float64 `json:"priority_breakdown"`
	Model               string             `json:"model,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
}

type PIIKind string

const (
	PIIPhone      PIIKind = "PHONE"
	PIINationalID PIIKind = "IIN"
	PIICard       PIIKind = "CARD"
	PIIEmail      PIIKind = "EMAIL"
	PIIName       PIIKind = "NAME"
)

// PIIBinding maps one token back to the original value it replaced.
// Original is ciphertext everywhere outside the vault.
type PIIBinding struct {
	TicketID  uuid.UUID `json:"ticket_id"`
	Token     string    `json:"token"`
	Original  []byte    `json:"-"`
	Kind      PIIKind   `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

type Stage string

const (
	StageIngestion Stage = "ingestion"
	StageSpam      Stage = "spam_filter"
	StagePII       Stage = "pii_scrub"
	StageLLM       Stage = "llm_analysis"
	StageGeocode   Stage = "geocoding"
	StagePriority  Stage = "priority"
	StageRouting   Stage = "routing"
	StagePipeline  Stage = "pipeline"
)

type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	StageSkipped    StageStatus = "skipped"
)

// Terminal reports whether the status ends a stage run. The stores freeze
// only completed and failed rows; a skipped row may still be overwritten.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageSkipped
}

type StageOutcome struct {
	TicketID    uuid.UUID   `json:"ticket_id"`
	BatchID     uuid.UUID   `json:"batch_id"`
	Stage       Stage       `json:"stage"`
	Status      StageStatus `json:"status"`
	Message     string      `json:"message,omitempty"`
	ErrorDetail string      `json:"error_detail,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

func (o StageOutcome) ElapsedMs() int64 {
	if o.CompletedAt == nil {
		return 0
	}
	return o.CompletedAt.Sub(o.StartedAt).Milliseconds()
}

type Assignment struct {
	TicketID       uuid.UUID      `json:"ticket_id"`
	AgentID        string         `json:"agent_id"`
	OfficeID       string         `json:"office_id"`
	Explanation    string         `json:"explanation"`
	RoutingDetails map[string]any `json:"routing_details"`
	AssignedAt     time.Time      `json:"assigned_at"`
}

type BatchStatus string

const (
	BatchUploaded   BatchStatus = "uploaded"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

type Batch struct {
	ID         uuid.UUID   `json:"id"`
	Filename   string      `json:"filename"`
	TotalRows  int         `json:"total_rows"`
	Processed  int         `json:"processed"`
	SpamCount  int         `json:"spam_count"`
	FailedRows int         `json:"failed_rows"`
	Status     BatchStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Event is the single message shape carried by the in-process bus and the
// SSE stream. TicketID is uuid.Nil for batch-level events.
type Event struct {
	TicketID  uuid.UUID      `json:"ticket_id"`
	BatchID   uuid.UUID      `json:"batch_id"`
	Stage     Stage          `json:"stage"`
	Status    StageStatus    `json:"status"`
	Field     string         `json:"field,omitempty"`
	Data      map[string]any `json:"data"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
