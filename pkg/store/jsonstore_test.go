package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestJSONStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "jsonstore")
}

var _ = Describe("JSONStore", func() {
	var dir string
	var path string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		path = filepath.Join(dir, "snapshot.json")
	})

	It("Load on a missing file returns an empty snapshot, not an error", func() {
		s := NewJSONStore(path, nil)
		snap, err := s.Load(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Proxies).To(BeEmpty())
	})

	It("round-trips a snapshot through Save/Load", func() {
		s := NewJSONStore(path, nil)
		snap := Snapshot{
			TakenAtUnix: 1700000000,
			Proxies: []ProxyRecord{
				{ID: "p1", Host: "1.2.3.4", Port: 8080, Scheme: "HTTP", CountryCode: "DE", Status: "HEALTHY"},
				{ID: "p2", Host: "5.6.7.8", Port: 1080, Scheme: "SOCKS5", CountryCode: "US", Status: "UNHEALTHY"},
			},
		}
		Expect(s.Save(context.Background(), snap)).To(Succeed())

		loaded, err := s.Load(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.TakenAtUnix).To(Equal(snap.TakenAtUnix))
		Expect(loaded.Proxies).To(HaveLen(2))
		Expect(loaded.Proxies[0].ID).To(Equal("p1"))
		Expect(loaded.Proxies[1].CountryCode).To(Equal("US"))
	})

	It("writes atomically: no partial file is ever visible at the final path", func() {
		s := NewJSONStore(path, nil)
		Expect(s.Save(context.Background(), Snapshot{TakenAtUnix: 1})).To(Succeed())

		entries, err := os.ReadDir(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1)) // the temp file was renamed away, not left behind
		Expect(entries[0].Name()).To(Equal("snapshot.json"))
	})

	It("keeps a sealed credential encrypted at rest and returns the sealed bytes on Load", func() {
		cipher, err := NewCipher(testKey())
		Expect(err).NotTo(HaveOccurred())
		s := NewJSONStore(path, cipher)

		sealed, err := cipher.Encrypt([]byte("user:hunter2"))
		Expect(err).NotTo(HaveOccurred())

		snap := Snapshot{Proxies: []ProxyRecord{{ID: "p1", EncryptedCredential: sealed}}}
		Expect(s.Save(context.Background(), snap)).To(Succeed())

		raw, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(raw).NotTo(ContainSubstring("hunter2"))

		loaded, err := s.Load(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.Proxies).To(HaveLen(1))
		opened, err := cipher.Decrypt(loaded.Proxies[0].EncryptedCredential)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(opened)).To(Equal("user:hunter2"))
	})

	It("Query filters records by scheme, country, and status", func() {
		s := NewJSONStore(path, nil)
		snap := Snapshot{Proxies: []ProxyRecord{
			{ID: "p1", Scheme: "HTTP", CountryCode: "DE", Status: "HEALTHY"},
			{ID: "p2", Scheme: "SOCKS5", CountryCode: "DE", Status: "HEALTHY"},
			{ID: "p3", Scheme: "HTTP", CountryCode: "US", Status: "UNHEALTHY"},
		}}
		Expect(s.Save(context.Background(), snap)).To(Succeed())

		results, err := s.Query(context.Background(), Filter{Scheme: "HTTP"})
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(2))

		results, err = s.Query(context.Background(), Filter{CountryCode: "DE", Status: "HEALTHY"})
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(2))

		results, err = s.Query(context.Background(), Filter{Status: "UNHEALTHY"})
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(1))
		Expect(results[0].ID).To(Equal("p3"))
	})
})

var _ = Describe("ProxyRecord JSON shape", func() {
	It("never marshals a raw EncryptedCredential field into the file", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "snap.json")
		s := NewJSONStore(path, nil)
		snap := Snapshot{Proxies: []ProxyRecord{{ID: "p1", EncryptedCredential: []byte("raw-bytes-should-not-appear")}}}
		Expect(s.Save(context.Background(), snap)).To(Succeed())

		raw, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(bytes.Contains(raw, []byte("raw-bytes-should-not-appear"))).To(BeFalse())
	})
})
