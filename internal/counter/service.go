// Package counter implements the central counter service: the process that
// owns every budget and arbitrates reservations across clients (spec.md §4.2).
// It composes window budgets (internal/budget) into the paired
// completion/embedding groups and the standalone transcription group, and
// exposes an HTTP surface over them (handler.go, server.go).
package counter

import (
	"quotaguard/internal/budget"
)

// Limits configures the per-minute limit of every budget the Service owns.
type Limits struct {
	CompletionTokens   int
	CompletionRequests int
	EmbeddingTokens    int
	EmbeddingRequests  int
	TranscriptionRequests int
}

// Service owns all budgets exclusively (spec.md §3 "Ownership"): clients
// never see budget state directly, only the handles and snapshots returned
// through this type's methods / the HTTP handlers wrapping them.
type Service struct {
	completion    *PairedBudget
	embedding     *PairedBudget
	transcription *budget.Budget
}

// New constructs a Service with four independent budgets (two paired groups)
// plus the standalone transcription budget (SPEC_FULL.md §3 expansion). Each
// of the five budgets runs under its own mutex and the three groups operate in
// parallel, per spec.md §4.2/§5.
func New(limits Limits) *Service {
	return &Service{
		completion:    NewPairedBudget(limits.CompletionTokens, limits.CompletionRequests),
		embedding:     NewPairedBudget(limits.EmbeddingTokens, limits.EmbeddingRequests),
		transcription: budget.New(limits.TranscriptionRequests),
	}
}

// CompletionLock reserves amount chat-completion tokens plus one request slot.
func (s *Service) CompletionLock(appID string, tokenCount int) PairedLockResult {
	return s.completion.Lock(appID, tokenCount)
}

// CompletionReport settles a chat-completion reservation. completionTokens
// plus promptTokens is the authoritative token usage the caller reports; see
// handler.go for how the two are combined into the single tokenUsed value
// PairedBudget.Report expects.
func (s *Service) CompletionReport(handle string, tokenUsed int) {
	s.completion.Report(handle, tokenUsed)
}

// CompletionRelease drops a chat-completion reservation.
func (s *Service) CompletionRelease(handle string) {
	s.completion.Release(handle)
}

// CompletionStatus returns the completion pair's snapshot.
func (s *Service) CompletionStatus() PairedSnapshot {
	return s.completion.Status()
}

// EmbeddingLock reserves amount embedding tokens plus one request slot.
func (s *Service) EmbeddingLock(appID string, tokenCount int) PairedLockResult {
	return s.embedding.Lock(appID, tokenCount)
}

// EmbeddingReport settles an embedding reservation (prompt tokens only —
// embeddings have no output dimension).
func (s *Service) EmbeddingReport(handle string, tokenUsed int) {
	s.embedding.Report(handle, tokenUsed)
}

// EmbeddingRelease drops an embedding reservation.
func (s *Service) EmbeddingRelease(handle string) {
	s.embedding.Release(handle)
}

// EmbeddingStatus returns the embedding pair's snapshot.
func (s *Service) EmbeddingStatus() PairedSnapshot {
	return s.embedding.Status()
}

// TranscriptionLock reserves one request slot. Transcription has no token
// cost: each file is one request (spec.md §4.5).
func (s *Service) TranscriptionLock(appID string) budget.LockResult {
	return s.transcription.Lock(appID, 1)
}

// TranscriptionReport settles a transcription reservation, always committing
// exactly one request. It takes no usage amount: a transcription file is one
// request with no token cost.
func (s *Service) TranscriptionReport(handle string) {
	s.transcription.Report(handle, 1)
}

// TranscriptionRelease drops a transcription reservation.
func (s *Service) TranscriptionRelease(handle string) {
	s.transcription.Release(handle)
}

// TranscriptionStatus returns the transcription budget's snapshot.
func (s *Service) TranscriptionStatus() budget.Snapshot {
	return s.transcription.Status()
}
