// Package leasestore persists DHCP server allocations to a bbolt database
// so a restarted natifd doesn't force every bound client to re-DISCOVER
// (SPEC_FULL "lease persistence across restarts").
package leasestore

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ifrouter/natif/dhcpv4"
	bolt "go.etcd.io/bbolt"
)

var bucketLeases = []byte("dhcp_allocations")

// Store wraps a bbolt database keyed by domain name, one bucket holding one
// record per DHCP client ID.
type Store struct {
	db *bolt.DB
}

// Open creates or attaches to the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("leasestore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLeases)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("leasestore: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// encodeRecord builds the bbolt value for one dhcpv4.LeaseRecord:
// addr+hostname length prefix+hostname+hwaddr+xid. The 36-byte client ID
// is not in the value; it ends the bbolt key built by domainKey.
func encodeRecord(r dhcpv4.LeaseRecord) []byte {
	buf := make([]byte, 4+1+len(r.Hostname)+6+4)
	copy(buf[0:4], r.Addr[:])
	buf[4] = byte(len(r.Hostname))
	n := 5
	n += copy(buf[n:], r.Hostname)
	n += copy(buf[n:], r.HWAddr[:])
	binary.BigEndian.PutUint32(buf[n:], r.Xid)
	return buf
}

func decodeRecord(clientID []byte, data []byte) (dhcpv4.LeaseRecord, error) {
	var r dhcpv4.LeaseRecord
	if len(clientID) != len(r.ClientID) {
		return r, fmt.Errorf("leasestore: bad client id length %d", len(clientID))
	}
	copy(r.ClientID[:], clientID)
	if len(data) < 5 {
		return r, fmt.Errorf("leasestore: truncated record")
	}
	copy(r.Addr[:], data[0:4])
	hnLen := int(data[4])
	n := 5
	if len(data) < n+hnLen+6+4 {
		return r, fmt.Errorf("leasestore: truncated record body")
	}
	r.Hostname = string(data[n : n+hnLen])
	n += hnLen
	copy(r.HWAddr[:], data[n:n+6])
	n += 6
	r.Xid = binary.BigEndian.Uint32(data[n : n+4])
	return r, nil
}

// domainKey namespaces every record under its owning domain so one bbolt
// file can back every domain of a router.
func domainKey(domain string, clientID [36]byte) []byte {
	key := make([]byte, len(domain)+1+36)
	n := copy(key, domain)
	key[n] = '/'
	n++
	copy(key[n:], clientID[:])
	return key
}

// Save overwrites the persisted lease set for domain with records. Call
// after every DrainReleased/allocation cycle that changed bound leases;
// overwriting the whole domain's key range keeps the stored set from
// drifting from the live one without needing per-lease delete tracking.
func (s *Store) Save(domain string, records []dhcpv4.LeaseRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		prefix := []byte(domain + "/")
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		for _, r := range records {
			if err := b.Put(domainKey(domain, r.ClientID), encodeRecord(r)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns every persisted lease for domain, for Server.RestoreLeases.
func (s *Store) Load(domain string) ([]dhcpv4.LeaseRecord, error) {
	var out []dhcpv4.LeaseRecord
	prefix := []byte(domain + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			r, err := decodeRecord(k[len(prefix):], v)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("leasestore: load %s: %w", domain, err)
	}
	return out, nil
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}
