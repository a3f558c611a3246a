package engine

import (
	"errors"
	"fmt"

	"factline/internal/transform"
	"factline/internal/warehouse"
)

// Failure classes for a dataset run. Extraction failures are transient and
// retried on the next cycle; configuration errors disable the dataset
// until the process restarts and an operator fixes the catalog or config.
var (
	ErrExtraction    = errors.New("extraction failed")
	ErrConfiguration = errors.New("configuration error")
)

// classify maps a fatal pipeline error to its failure class. Template or
// parameter mismatches and unmapped raw statuses are operator problems;
// everything else from the warehouse side is assumed transient.
func classify(err error) error {
	if errors.Is(err, warehouse.ErrBadTemplate) || errors.Is(err, transform.ErrUnmappedStatus) {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return fmt.Errorf("%w: %v", ErrExtraction, err)
}
