package identity

import (
	"errors"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Mode selects the scheduling strategy used by Pool.Select.
type Mode string

const (
	ModeRoundRobin        Mode = "round-robin"
	ModeLeastRecentlyUsed Mode = "least-recently-used"
	ModeBestQuota         Mode = "best-quota"
	ModeSticky            Mode = "sticky"
)

// ErrNoIdentityAvailable is returned when every pooled identity is disabled
// or in cooldown.
var ErrNoIdentityAvailable = errors.New("no identity available")

// stickyQuotaFloor is the minimum quota below which sticky affinity is
// abandoned in favour of best-quota (SPEC_FULL §4.4, Open Question (b)).
const stickyQuotaFloor = 5.0

// stickyWindow bounds how long a session fingerprint keeps affinity.
const stickyWindow = 60 * time.Second

// Pool holds the set of identities the dispatcher rotates across.
type Pool struct {
	mu         sync.RWMutex
	identities []*Identity
	rrCursor   int

	affinityMu sync.Mutex
	affinity   map[string]affinityEntry
}

type affinityEntry struct {
	identityID string
	expiresAt  time.Time
}

// NewPool builds a Pool over the given identities.
func NewPool(identities []*Identity) *Pool {
	return &Pool{identities: identities, affinity: make(map[string]affinityEntry)}
}

// Add registers an identity with the pool (hot-reload support).
func (p *Pool) Add(id *Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identities = append(p.identities, id)
}

// Remove drops an identity from the pool by id.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.identities[:0]
	for _, i := range p.identities {
		if i.ID != id {
			out = append(out, i)
		}
	}
	p.identities = out
}

// All returns a snapshot of the pooled identities.
func (p *Pool) All() []*Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Identity, len(p.identities))
	copy(out, p.identities)
	return out
}

func (p *Pool) candidates(excluded map[string]bool) []*Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Identity, 0, len(p.identities))
	for _, id := range p.identities {
		if id.Disabled() || id.InCooldown() || excluded[id.ID] {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Select picks an identity according to mode. fingerprint is the session
// fingerprint used by ModeSticky; models is the set the caller may use,
// consulted by ModeBestQuota and the sticky fallback. excluded lists
// identity IDs already tried and rejected during this client request's
// retry loop.
func (p *Pool) Select(mode Mode, fingerprint string, models []string, excluded map[string]bool) (*Identity, error) {
	cands := p.candidates(excluded)
	if len(cands) == 0 {
		return nil, ErrNoIdentityAvailable
	}

	switch mode {
	case ModeSticky:
		if id := p.stickyCandidate(fingerprint, cands, models); id != nil {
			return id, nil
		}
		return p.bestQuota(cands, models), nil
	case ModeBestQuota:
		return p.bestQuota(cands, models), nil
	case ModeLeastRecentlyUsed:
		return p.leastRecentlyUsed(cands), nil
	default:
		return p.roundRobin(cands), nil
	}
}

func (p *Pool) stickyCandidate(fingerprint string, cands []*Identity, models []string) *Identity {
	if fingerprint == "" {
		return nil
	}

	p.affinityMu.Lock()
	entry, ok := p.affinity[fingerprint]
	p.affinityMu.Unlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}

	for _, id := range cands {
		if id.ID == entry.identityID {
			if id.MinQuota(models...) < stickyQuotaFloor {
				return nil
			}
			return id
		}
	}
	return nil
}

// RecordAffinity remembers the identity chosen for a fingerprint so future
// sticky selections prefer it.
func (p *Pool) RecordAffinity(fingerprint, identityID string) {
	if fingerprint == "" {
		return
	}
	p.affinityMu.Lock()
	defer p.affinityMu.Unlock()
	p.affinity[fingerprint] = affinityEntry{identityID: identityID, expiresAt: time.Now().Add(stickyWindow)}
}

func (p *Pool) bestQuota(cands []*Identity, models []string) *Identity {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].MinQuota(models...) > cands[j].MinQuota(models...)
	})
	return cands[0]
}

func (p *Pool) leastRecentlyUsed(cands []*Identity) *Identity {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].LastUsedAt().Before(cands[j].LastUsedAt())
	})
	return cands[0]
}

func (p *Pool) roundRobin(cands []*Identity) *Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rrCursor = (p.rrCursor + 1) % len(cands)
	return cands[p.rrCursor%len(cands)]
}

// Fingerprint hashes a session-identifying tuple into a stable short string
// (SPEC_FULL §3 Session Fingerprint).
func Fingerprint(remoteAddr, userAgent, tokenPrefix string) string {
	h := fnv.New64a()
	h.Write([]byte(remoteAddr))
	h.Write([]byte{0})
	h.Write([]byte(userAgent))
	h.Write([]byte{0})
	h.Write([]byte(tokenPrefix))
	return strconv.FormatUint(h.Sum64(), 36)
}
