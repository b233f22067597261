package domain

import "fmt"

// ValidateRecord checks a Record before encryption and routing.
func ValidateRecord(r Record) error {
	if r.ID == "" {
		return NewValidationError("id", "", ErrInvalidRecord)
	}
	if r.PatientID == "" {
		return NewValidationError("patient_id", "", ErrInvalidRecord)
	}
	if len(r.Vector) != VectorDim {
		return NewValidationError("vector",
			fmt.Sprintf("dim=%d", len(r.Vector)), ErrInvalidRecord)
	}
	return nil
}

// ValidateQuery checks caller-supplied query parameters.
func ValidateQuery(q QueryParams) error {
	if len(q.Vector) != VectorDim {
		return NewValidationError("vector",
			fmt.Sprintf("dim=%d", len(q.Vector)), ErrInvalidQuery)
	}
	if q.TopK < MinTopK || q.TopK > MaxTopK {
		return NewValidationError("top_k",
			fmt.Sprintf("%d", q.TopK), ErrInvalidQuery)
	}
	return nil
}
