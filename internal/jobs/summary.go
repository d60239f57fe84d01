package jobs

// MaxReportedErrors bounds Summary.Errors.
const MaxReportedErrors = 5

// ItemError is a per-item failure kept for the run summary.
type ItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Summary is the outcome of a batch job. Every job reports one, whether or
// not anything failed.
type Summary struct {
	Processed int         `json:"total_processed"`
	Succeeded int         `json:"successful"`
	Failed    int         `json:"failed"`
	Batches   int         `json:"batches_processed"`
	Errors    []ItemError `json:"errors,omitempty"`
}

// Success counts one processed item that succeeded.
func (s *Summary) Success() {
	s.Processed++
	s.Succeeded++
}

// Failure counts one processed item that failed. Only the first
// MaxReportedErrors causes are kept.
func (s *Summary) Failure(id string, err error) {
	s.Processed++
	s.Failed++
	if len(s.Errors) < MaxReportedErrors && err != nil {
		s.Errors = append(s.Errors, ItemError{ID: id, Error: err.Error()})
	}
}

// OK reports whether no item failed.
func (s Summary) OK() bool { return s.Failed == 0 }
