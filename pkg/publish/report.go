package publish

import (
	"bytes"
	"encoding/json"

	"crosspost/pkg/platform"
)

// Status summarizes a report.
type Status string

const (
	StatusAllSucceeded Status = "all_succeeded"
	StatusPartial      Status = "partial"
	StatusAllFailed    Status = "all_failed"
)

// Outcome is the result of delivering to one account.
type Outcome struct {
	AccountID   string             `json:"accountId"`
	Platform    platform.Platform  `json:"platform"`
	Success     bool               `json:"success"`
	RemoteID    string             `json:"remoteId,omitempty"`
	URL         string             `json:"url,omitempty"`
	ErrorKind   platform.ErrorKind `json:"errorKind,omitempty"`
	ErrorDetail string             `json:"errorDetail,omitempty"`
	Hint        *platform.Hint     `json:"hint,omitempty"`
}

func succeeded(ref AccountRef, p platform.Platform, result platform.Result) Outcome {
	return Outcome{AccountID: ref.AccountID, Platform: p, Success: true, RemoteID: result.RemoteID, URL: result.URL}
}

func failed(ref AccountRef, p platform.Platform, failure *platform.Failure) Outcome {
	hint := failure.Hint()
	return Outcome{
		AccountID:   ref.AccountID,
		Platform:    p,
		ErrorKind:   failure.Kind,
		ErrorDetail: failure.Detail,
		Hint:        &hint,
	}
}

// Report holds one outcome per target, in target order. It is not modified
// after Publish returns.
type Report struct {
	ID       string
	outcomes []Outcome
}

// NewReport builds a report from outcomes already in target order.
func NewReport(id string, outcomes []Outcome) *Report {
	return &Report{ID: id, outcomes: append([]Outcome(nil), outcomes...)}
}

// Outcomes returns a copy of the outcomes in target order.
func (r *Report) Outcomes() []Outcome {
	return append([]Outcome(nil), r.outcomes...)
}

// Outcome returns the outcome for accountID.
func (r *Report) Outcome(accountID string) (Outcome, bool) {
	for _, o := range r.outcomes {
		if o.AccountID == accountID {
			return o, true
		}
	}
	return Outcome{}, false
}

func (r *Report) Len() int {
	return len(r.outcomes)
}

func (r *Report) SuccessCount() int {
	n := 0
	for _, o := range r.outcomes {
		if o.Success {
			n++
		}
	}
	return n
}

func (r *Report) FailureCount() int {
	return len(r.outcomes) - r.SuccessCount()
}

// Success reports whether every delivery succeeded.
func (r *Report) Success() bool {
	return r.Status() == StatusAllSucceeded
}

func (r *Report) Status() Status {
	switch ok := r.SuccessCount(); {
	case ok == len(r.outcomes):
		return StatusAllSucceeded
	case ok == 0:
		return StatusAllFailed
	default:
		return StatusPartial
	}
}

// MarshalJSON renders results as an object keyed by account id that keeps
// target order.
func (r *Report) MarshalJSON() ([]byte, error) {
	var results bytes.Buffer
	results.WriteByte('{')
	for i, o := range r.outcomes {
		if i > 0 {
			results.WriteByte(',')
		}
		key, err := json.Marshal(o.AccountID)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(o)
		if err != nil {
			return nil, err
		}
		results.Write(key)
		results.WriteByte(':')
		results.Write(value)
	}
	results.WriteByte('}')

	return json.Marshal(struct {
		ID           string          `json:"id"`
		Success      bool            `json:"success"`
		Status       Status          `json:"status"`
		SuccessCount int             `json:"successCount"`
		FailureCount int             `json:"failureCount"`
		Results      json.RawMessage `json:"results"`
	}{
		ID:           r.ID,
		Success:      r.Success(),
		Status:       r.Status(),
		SuccessCount: r.SuccessCount(),
		FailureCount: r.FailureCount(),
		Results:      results.Bytes(),
	})
}
