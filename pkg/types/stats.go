package types

// IngestionStats tracks indexing pipeline counters.
type IngestionStats struct {
	TotalDocuments   int64
	AddedDocuments   int64
	FailedDocuments  int64
	BatchesProcessed int64
	RetryCount       int64
	DurationMs       int64
}

// SuccessRate returns the percentage of successfully indexed documents.
func (s *IngestionStats) SuccessRate() float64 {
	if s.TotalDocuments == 0 {
		return 0
	}
	return float64(s.AddedDocuments) / float64(s.TotalDocuments) * 100
}

// DeduplicationResult holds the output of the near-duplicate filter run
// before indexing scraped pages.
type DeduplicationResult struct {
	UniqueDocuments  []Document
	DuplicateCount   int
	TotalProcessed   int
	ClusterCount     int
	ProcessingTimeMs int64
}

// SavingsPercent calculates the percentage of duplicates dropped.
func (r *DeduplicationResult) SavingsPercent() float64 {
	if r.TotalProcessed == 0 {
		return 0
	}
	return float64(r.DuplicateCount) / float64(r.TotalProcessed) * 100
}
