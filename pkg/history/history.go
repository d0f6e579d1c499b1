package history

import (
	"time"
)

const (
	DefaultMaxWindowTurns          = 16
	DefaultSummarizeEveryNMessages = 40
	DefaultMaxSummaryTokens        = 512

	// transcriptCharBudget bounds the summarizer input size.
	transcriptCharBudget = 8000
)

// Policy configures when and how a timeline's history gets compacted.
type Policy struct {
	MaxWindowTurns          int  `json:"maxWindowTurns" yaml:"maxWindowTurns"`
	SummarizeEveryNMessages int  `json:"summarizeEveryNMessages" yaml:"summarizeEveryNMessages"`
	MaxSummaryTokens        int  `json:"maxSummaryTokens" yaml:"maxSummaryTokens"`
	EnableCompaction        bool `json:"enableCompaction" yaml:"enableCompaction"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxWindowTurns:          DefaultMaxWindowTurns,
		SummarizeEveryNMessages: DefaultSummarizeEveryNMessages,
		MaxSummaryTokens:        DefaultMaxSummaryTokens,
		EnableCompaction:        true,
	}
}

// History is the sliding window over one (session, timeline) pair: the
// bounded tail of recent turn ids, aggregate counters, and the pointer to the
// latest summary snapshot. One History exists per timeline; it is refreshed,
// never deleted, while the timeline exists.
type History struct {
	ID         string `json:"id" yaml:"id"`
	SessionID  string `json:"sessionID" yaml:"sessionID"`
	TimelineID string `json:"timelineID" yaml:"timelineID"`

	TurnIDs       []string `json:"turnIDs" yaml:"turnIDs"`
	TotalTurns    int      `json:"totalTurns" yaml:"totalTurns"`
	TotalMessages int      `json:"totalMessages" yaml:"totalMessages"`

	Policy Policy `json:"policy" yaml:"policy"`

	LatestSummaryID string   `json:"latestSummaryID,omitempty" yaml:"latestSummaryID,omitempty"`
	SummaryIDs      []string `json:"summaryIDs,omitempty" yaml:"summaryIDs,omitempty"`

	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

func (h *History) Clone() *History {
	if h == nil {
		return nil
	}
	cp := *h
	cp.TurnIDs = append([]string{}, h.TurnIDs...)
	cp.SummaryIDs = append([]string{}, h.SummaryIDs...)
	return &cp
}

// Summary is an immutable compacted snapshot of an inclusive turn-index
// range. Later snapshots supersede earlier ones through the history's
// LatestSummaryID pointer; a snapshot itself is never mutated.
type Summary struct {
	ID         string `json:"id" yaml:"id"`
	SessionID  string `json:"sessionID" yaml:"sessionID"`
	TimelineID string `json:"timelineID" yaml:"timelineID"`

	FromTurnIndex int      `json:"fromTurnIndex" yaml:"fromTurnIndex"`
	ToTurnIndex   int      `json:"toTurnIndex" yaml:"toTurnIndex"`
	TurnIDs       []string `json:"turnIDs" yaml:"turnIDs"`

	Text     string `json:"text" yaml:"text"`
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`

	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

func (s *Summary) Clone() *Summary {
	if s == nil {
		return nil
	}
	cp := *s
	cp.TurnIDs = append([]string{}, s.TurnIDs...)
	return &cp
}

// Transcript is the plain-text rendition of a window, with the turn-index
// span it actually covers.
type Transcript struct {
	TurnIDs       []string
	Text          string
	FromTurnIndex int
	ToTurnIndex   int
}
