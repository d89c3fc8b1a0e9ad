package rotorpool

import (
	"fmt"
	"time"

	"rotorpool/pkg/store"
)

// ToStoreSnapshot converts the pool's current state into a store.Snapshot,
// the wire shape pkg/store persists. A proxy's credential, if set, is
// encrypted with cipher before it ever reaches the record; cipher may be
// nil, in which case credentials are dropped rather than persisted in the
// clear.
func (s *Service) ToStoreSnapshot(cipher *store.Cipher) (store.Snapshot, error) {
	snaps := s.List()
	out := store.Snapshot{
		TakenAtUnix: time.Now().Unix(),
		Proxies:     make([]store.ProxyRecord, 0, len(snaps)),
	}
	for _, snap := range snaps {
		rec := store.ProxyRecord{
			ID:          snap.ID,
			Host:        snap.Host,
			Port:        snap.Port,
			Scheme:      string(snap.Scheme),
			CountryCode: snap.CountryCode,
			Region:      snap.Region,
			SourceTag:   snap.SourceTag,
			FirstSeen:   snap.FirstSeen.Unix(),
			LastSeen:    snap.LastSeen.Unix(),

			Status:    string(snap.Status),
			Anonymity: string(snap.Anonymity),

			RequestsStarted:   snap.RequestsStarted,
			RequestsCompleted: snap.RequestsCompleted,
			Successes:         snap.Successes,
			Failures:          snap.Failures,

			EMALatencyMS: snap.EMALatencyMS,
			HasEMA:       snap.HasEMA,
			Weight:       snap.Weight,
		}

		if p, ok := s.Get(snap.ID); ok && cipher != nil {
			if username, secret, has := p.Credential(); has {
				enc, err := cipher.Encrypt([]byte(username + ":" + secret))
				if err != nil {
					return store.Snapshot{}, fmt.Errorf("rotorpool: encrypt credential for %s: %w", snap.ID, err)
				}
				rec.EncryptedCredential = enc
			}
		}

		out.Proxies = append(out.Proxies, rec)
	}
	return out, nil
}

// FromStoreRecord rebuilds a Proxy from a persisted ProxyRecord, decrypting
// its credential with cipher if one is present. The returned Proxy carries
// none of its prior runtime counters — only Load's seed data (identity,
// geo, status, anonymity, weight) survives a restart; statistics start
// fresh, matching the spec's "no in-memory runtime state is persisted"
// rule for everything but the proxy's own identity and health flag.
func FromStoreRecord(r store.ProxyRecord, cipher *store.Cipher) (*Proxy, error) {
	opts := []ProxyOption{WithGeo(r.CountryCode, r.Region), WithSourceTag(r.SourceTag)}
	if r.Weight != 0 {
		opts = append(opts, WithWeight(r.Weight))
	}
	if len(r.EncryptedCredential) > 0 && cipher != nil {
		plain, err := cipher.Decrypt(r.EncryptedCredential)
		if err != nil {
			return nil, fmt.Errorf("rotorpool: decrypt credential for %s: %w", r.ID, err)
		}
		if username, secret, ok := splitCredential(string(plain)); ok {
			opts = append(opts, WithCredential(username, secret))
		}
	}

	p, err := NewProxy(r.Host, r.Port, Scheme(r.Scheme), opts...)
	if err != nil {
		return nil, err
	}
	if r.Status != "" {
		p.setStatus(Status(r.Status))
	}
	if r.Anonymity != "" {
		p.setAnonymity(Anonymity(r.Anonymity))
	}
	return p, nil
}

func splitCredential(s string) (username, secret string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
