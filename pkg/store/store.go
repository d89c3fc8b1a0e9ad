// Package store implements the persistence side of the external
// interfaces: save/load/query a Pool snapshot, with credential
// fields always encrypted at rest. Three backends are provided —
// jsonstore (atomic file writes), sqlitestore (modernc.org/sqlite), and
// redisstore (go-redis) — so the host can pick the persistence tier that
// matches its deployment, mirroring the retrieved corpus's habit of
// offering more than one storage backend behind one interface.
package store

import "context"

// ProxyRecord is one persisted proxy:
// identity, geo, health, anonymity, statistics, EMA state, source tag,
// first/last seen. A credential travels only as EncryptedCredential,
// sealed by the caller (Service.ToStoreSnapshot) before the record reaches
// a Store; the Store implementations persist and return those sealed bytes
// as given and never hold the plaintext.
type ProxyRecord struct {
	ID          string
	Host        string
	Port        int
	Scheme      string
	CountryCode string
	Region      string
	SourceTag   string
	FirstSeen   int64 // unix seconds
	LastSeen    int64

	Status    string
	Anonymity string

	RequestsStarted   int64
	RequestsCompleted int64
	Successes         int64
	Failures          int64

	EMALatencyMS float64
	HasEMA       bool
	Weight       float64

	// EncryptedCredential is the ciphertext of "username:secret", or empty
	// if the proxy carries no credential. Never populated with plaintext.
	EncryptedCredential []byte
}

// Snapshot is a full persisted pool state plus the time it was taken.
// No in-memory runtime state — breaker states, sessions — is persisted.
type Snapshot struct {
	TakenAtUnix int64
	Proxies     []ProxyRecord
}

// Filter narrows a Query call; a nil/zero Filter matches everything.
type Filter struct {
	Scheme      string
	CountryCode string
	Status      string
}

func (f Filter) matches(r ProxyRecord) bool {
	if f.Scheme != "" && f.Scheme != r.Scheme {
		return false
	}
	if f.CountryCode != "" && f.CountryCode != r.CountryCode {
		return false
	}
	if f.Status != "" && f.Status != r.Status {
		return false
	}
	return true
}

// Store is the persistence contract. The core treats persistence as
// advisory: Load runs at startup only, Save may run on shutdown or
// periodically, and the in-process pool is always the source of truth
// once running.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
	Query(ctx context.Context, filter Filter) ([]ProxyRecord, error)
}

// filterRecords is shared by every backend's Query: load the full
// snapshot (credentials still sealed) and filter
// in-process, since none of the three backends here index by anything
// beyond proxy id.
func filterRecords(records []ProxyRecord, filter Filter) []ProxyRecord {
	out := make([]ProxyRecord, 0, len(records))
	for _, r := range records {
		if filter.matches(r) {
			out = append(out, r)
		}
	}
	return out
}
