package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/ingest-worker/internal/crawler"
)

// DocumentStore keeps documents in a map keyed by URL.
type DocumentStore struct {
	mu      sync.RWMutex
	docs    map[string]crawler.Document
	upserts int
}

// NewDocumentStore constructs a DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[string]crawler.Document)}
}

// Upsert stores doc. Optional metadata missing from doc keeps its previous value.
func (s *DocumentStore) Upsert(_ context.Context, doc crawler.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	prev, ok := s.docs[doc.URL]
	if !ok {
		s.docs[doc.URL] = doc
		return nil
	}
	doc.Title = coalesce(doc.Title, prev.Title)
	doc.Description = coalesce(doc.Description, prev.Description)
	doc.ContentType = coalesce(doc.ContentType, prev.ContentType)
	doc.ContentHash = coalesce(doc.ContentHash, prev.ContentHash)
	doc.Lang = coalesce(doc.Lang, prev.Lang)
	doc.ETag = coalesce(doc.ETag, prev.ETag)
	doc.LastModified = coalesce(doc.LastModified, prev.LastModified)
	s.docs[doc.URL] = doc
	return nil
}

// Validators returns the cache validators stored for url.
func (s *DocumentStore) Validators(_ context.Context, url string) (crawler.Validators, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[url]
	if !ok {
		return crawler.Validators{}, nil
	}
	return crawler.Validators{
		ETag:         doc.ETag,
		LastModified: doc.LastModified,
		ContentHash:  doc.ContentHash,
	}, nil
}

// Get returns the stored document for url.
func (s *DocumentStore) Get(url string) (crawler.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[url]
	return doc, ok
}

// Upserts reports how many writes the store has accepted.
func (s *DocumentStore) Upserts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upserts
}

func coalesce(next, prev *string) *string {
	if next != nil {
		return next
	}
	return prev
}
