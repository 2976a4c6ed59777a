package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

// Tenant is a seeded tenant with its keywords and ads credentials.
type Tenant struct {
	ID       string
	Label    string
	Keywords []Keyword
	Ads      *tracker.AdsCredential
}

// Keyword is one seeded keyword of a given job type.
type Keyword struct {
	Type   tracker.JobType
	Target tracker.KeywordTarget
}

// PlaceRecord is one appended place-rank history row.
type PlaceRecord struct {
	KeywordID string
	Result    tracker.RankingResult
}

// BlogRecord is one appended blog-rank history row.
type BlogRecord struct {
	KeywordID string
	Result    tracker.BlogRankingResult
}

// TargetStore is an in-memory TargetStore and CredentialStore.
type TargetStore struct {
	mu          sync.RWMutex
	tenants     []Tenant
	keywordType map[string]tracker.JobType
	lastChecked map[string]time.Time
	places      []PlaceRecord
	blogs       []BlogRecord
}

// NewTargetStore seeds a store with tenants in the given order.
func NewTargetStore(tenants ...Tenant) *TargetStore {
	s := &TargetStore{
		keywordType: make(map[string]tracker.JobType),
		lastChecked: make(map[string]time.Time),
	}
	for _, t := range tenants {
		s.AddTenant(t)
	}
	return s
}

// AddTenant appends a tenant; keyword tenant ids are filled in from the tenant.
func (s *TargetStore) AddTenant(t Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kws := make([]Keyword, len(t.Keywords))
	for i, kw := range t.Keywords {
		kw.Target.TenantID = t.ID
		kws[i] = kw
		s.keywordType[kw.Target.KeywordID] = kw.Type
	}
	t.Keywords = kws
	s.tenants = append(s.tenants, t)
}

// ListActiveTenants returns tenants owning at least one active keyword of jobType.
func (s *TargetStore) ListActiveTenants(_ context.Context, jobType tracker.JobType) ([]tracker.TenantRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tracker.TenantRef
	for _, t := range s.tenants {
		for _, kw := range t.Keywords {
			if kw.Type == jobType && kw.Target.Active {
				out = append(out, tracker.TenantRef{ID: t.ID, Label: t.Label})
				break
			}
		}
	}
	return out, nil
}

// ListActiveKeywords returns the tenant's active keywords of jobType.
func (s *TargetStore) ListActiveKeywords(_ context.Context, tenantID string, jobType tracker.JobType) ([]tracker.KeywordTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.ID != tenantID {
			continue
		}
		var out []tracker.KeywordTarget
		for _, kw := range t.Keywords {
			if kw.Type == jobType && kw.Target.Active {
				out = append(out, kw.Target)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("tenant %q not found", tenantID)
}

// SavePlaceResult appends a place-rank history row.
func (s *TargetStore) SavePlaceResult(_ context.Context, keywordID string, result tracker.RankingResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keywordType[keywordID] != tracker.JobTypePlaceRank {
		return fmt.Errorf("place keyword %q not found", keywordID)
	}
	s.places = append(s.places, PlaceRecord{KeywordID: keywordID, Result: result})
	return nil
}

// SaveBlogResult appends a blog-rank history row.
func (s *TargetStore) SaveBlogResult(_ context.Context, keywordID string, result tracker.BlogRankingResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keywordType[keywordID] != tracker.JobTypeBlogRank {
		return fmt.Errorf("blog keyword %q not found", keywordID)
	}
	s.blogs = append(s.blogs, BlogRecord{KeywordID: keywordID, Result: result})
	return nil
}

// TouchLastChecked records when a keyword was last checked.
func (s *TargetStore) TouchLastChecked(_ context.Context, keywordID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keywordType[keywordID]; !ok {
		return fmt.Errorf("keyword %q not found", keywordID)
	}
	s.lastChecked[keywordID] = at
	return nil
}

// ListAdsCredentials returns every tenant's ads credentials ordered by tenant id.
func (s *TargetStore) ListAdsCredentials(_ context.Context) ([]tracker.AdsCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tracker.AdsCredential
	for _, t := range s.tenants {
		if t.Ads == nil {
			continue
		}
		c := *t.Ads
		c.TenantID = t.ID
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// PlaceHistory returns a copy of the appended place-rank rows.
func (s *TargetStore) PlaceHistory() []PlaceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PlaceRecord(nil), s.places...)
}

// BlogHistory returns a copy of the appended blog-rank rows.
func (s *TargetStore) BlogHistory() []BlogRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]BlogRecord(nil), s.blogs...)
}

// LastChecked reports the last-checked time of a keyword.
func (s *TargetStore) LastChecked(keywordID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.lastChecked[keywordID]
	return at, ok
}
