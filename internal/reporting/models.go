package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummary aggregates call records that started within Range.
type CallsSummary struct {
	Range TimeRange `json:"range"`

	TotalCalls      int `json:"total_calls"`
	AnsweredCalls   int `json:"answered_calls"`
	CompletedCalls  int `json:"completed_calls"`
	DeclinedCalls   int `json:"declined_calls"`
	VoicemailCalls  int `json:"voicemail_calls"`
	DegradedCalls   int `json:"degraded_calls"`
	InProgressCalls int `json:"in_progress_calls"`

	TotalTalkSeconds   int     `json:"total_talk_seconds"`
	AverageTalkSeconds int     `json:"average_talk_seconds"`
	AnswerRate         float64 `json:"answer_rate"`
}

// EndReasonCount is one row of the end-reason breakdown.
type EndReasonCount struct {
	Reason string `json:"reason"`
	Calls  int    `json:"calls"`
}
