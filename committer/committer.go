// Package committer decides when a consumer's positions are auto-committed.
package committer

// Committer signals on C whenever positions should be committed.
type Committer interface {
	C() <-chan struct{}
	// RecordProcessed reports records handed to the application.
	RecordProcessed(count int)
	Close()
}
