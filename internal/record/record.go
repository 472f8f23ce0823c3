// Package record defines the service record moved between the local
// observation store, peers and the mDNS engine.
package record

import (
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Record is one advertised DNS-SD service instance.
//
// Identity is the (Type, Name) pair. Everything else is content and takes part
// in equality, so a changed TXT entry or address is an update.
type Record struct {
	Type     string   `json:"type"`     // e.g. "_ipp._tcp"
	Name     string   `json:"name"`     // full instance name, e.g. "Printer._ipp._tcp.local."
	Instance string   `json:"instance"` // e.g. "Printer"
	Domain   string   `json:"domain"`   // e.g. "local."
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	IPv4     []string `json:"ipv4,omitempty"`
	IPv6     []string `json:"ipv6,omitempty"`
	Text     []string `json:"text,omitempty"`
	TTL      uint32   `json:"ttl"`
}

// Equal reports whether identity and content of both records match.
// Address order is not significant; TXT order is.
func (r Record) Equal(o Record) bool {
	return r.Type == o.Type &&
		r.Name == o.Name &&
		r.SameContent(o)
}

// SameContent compares everything except identity.
func (r Record) SameContent(o Record) bool {
	return r.Instance == o.Instance &&
		r.Domain == o.Domain &&
		r.Host == o.Host &&
		r.Port == o.Port &&
		r.TTL == o.TTL &&
		sameSet(r.IPv4, o.IPv4) &&
		sameSet(r.IPv6, o.IPv6) &&
		slices.Equal(r.Text, o.Text)
}

// TextOnlyChange reports whether r and o differ in nothing but TXT entries.
func (r Record) TextOnlyChange(o Record) bool {
	if slices.Equal(r.Text, o.Text) {
		return false
	}
	o.Text = r.Text
	return r.Equal(o)
}

// Addresses returns IPv4 then IPv6 addresses.
func (r Record) Addresses() []string {
	out := make([]string, 0, len(r.IPv4)+len(r.IPv6))
	out = append(out, r.IPv4...)
	return append(out, r.IPv6...)
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	r.IPv4 = slices.Clone(r.IPv4)
	r.IPv6 = slices.Clone(r.IPv6)
	r.Text = slices.Clone(r.Text)
	return r
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	sort.Strings(as)
	sort.Strings(bs)
	return slices.Equal(as, bs)
}

// Snapshot is a point-in-time mapping from service name to record.
type Snapshot map[string]Record

// Names returns the snapshot keys in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy. A nil snapshot clones to an empty one.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for name, rec := range s {
		out[name] = rec.Clone()
	}
	return out
}

// Equal reports whether both snapshots hold the same names with equal records.
func (s Snapshot) Equal(o Snapshot) bool {
	if len(s) != len(o) {
		return false
	}
	for name, rec := range s {
		other, ok := o[name]
		if !ok || !rec.Equal(other) {
			return false
		}
	}
	return true
}

// Digest hashes the snapshot content independently of map iteration order.
// Snapshots that are Equal have equal digests.
func (s Snapshot) Digest() uint64 {
	h := xxhash.New()
	for _, name := range s.Names() {
		rec := s[name]
		ipv4 := slices.Clone(rec.IPv4)
		ipv6 := slices.Clone(rec.IPv6)
		sort.Strings(ipv4)
		sort.Strings(ipv6)
		fields := []string{
			name, rec.Type, rec.Name, rec.Instance, rec.Domain, rec.Host,
			strconv.Itoa(rec.Port), strconv.FormatUint(uint64(rec.TTL), 10),
			strings.Join(ipv4, ","), strings.Join(ipv6, ","),
			strings.Join(rec.Text, "\x00"),
		}
		for _, f := range fields {
			_, _ = h.WriteString(f)
			_, _ = h.Write([]byte{0x1f})
		}
		_, _ = h.Write([]byte{0x1e})
	}
	return h.Sum64()
}
