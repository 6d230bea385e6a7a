// Package gtid implements GTID position lists as used by MariaDB's
// gtid_current_pos/gtid_binlog_pos/gtid_slave_pos variables: an ordered set
// of domain-scoped (server_id, sequence) pairs, textually encoded as
// "d-s-n[,d-s-n]*".
package gtid

import (
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// MissingDomainPolicy controls how EventsAhead treats a domain present in
// the receiver but absent from the comparison position.
type MissingDomainPolicy int

const (
	// IgnoreMissingDomain contributes 0 for a domain the other side doesn't
	// report at all (the MISSING_DOMAIN_IGNORE policy of spec.md §9).
	IgnoreMissingDomain MissingDomainPolicy = iota
	// SubtractMissingDomain contributes the receiver's full sequence number
	// for a domain the other side doesn't report.
	SubtractMissingDomain
)

// Entry is one (domain_id, server_id, sequence) triple.
type Entry struct {
	Domain   uint32
	Server   uint32
	Sequence uint64
}

// List is an ordered set of Entry values with at most one Entry per domain.
type List []Entry

// Parse decodes the textual form "d-s-n[,d-s-n]*". An empty string yields an
// empty, non-nil List. Malformed input (wrong arity, non-integer fields, or a
// repeated domain) is tolerated: the offending element is dropped, a warning
// is logged, and parsing continues with the remaining elements. Parse never
// returns an error.
func Parse(s string) List {
	s = strings.TrimSpace(s)
	if s == "" {
		return List{}
	}
	parts := strings.Split(s, ",")
	out := make(List, 0, len(parts))
	seenDomain := make(map[uint32]bool, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		fields := strings.Split(p, "-")
		if len(fields) != 3 {
			log.Warnf("gtid: malformed element %q in %q, ignoring", p, s)
			continue
		}
		d, err1 := strconv.ParseUint(fields[0], 10, 32)
		sv, err2 := strconv.ParseUint(fields[1], 10, 32)
		n, err3 := strconv.ParseUint(fields[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			log.Warnf("gtid: non-integer element %q in %q, ignoring", p, s)
			continue
		}
		domain := uint32(d)
		if seenDomain[domain] {
			log.Warnf("gtid: duplicate domain %d in %q, keeping first occurrence", domain, s)
			continue
		}
		seenDomain[domain] = true
		out = append(out, Entry{Domain: domain, Server: uint32(sv), Sequence: n})
	}
	return out
}

// String renders the list in "d-s-n,d-s-n" form, sorted by domain, the
// inverse of Parse: Parse(l.String()) produces an equal List (ignoring the
// warnings Parse would have emitted for already-clean input).
func (l List) String() string {
	if len(l) == 0 {
		return ""
	}
	sorted := l.sortedByDomain()
	parts := make([]string, len(sorted))
	for i, e := range sorted {
		parts[i] = strconv.FormatUint(uint64(e.Domain), 10) + "-" +
			strconv.FormatUint(uint64(e.Server), 10) + "-" +
			strconv.FormatUint(e.Sequence, 10)
	}
	return strings.Join(parts, ",")
}

func (l List) sortedByDomain() List {
	out := make(List, len(l))
	copy(out, l)
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// byDomain returns the entry for a domain and whether it was present.
func (l List) byDomain(domain uint32) (Entry, bool) {
	for _, e := range l {
		if e.Domain == domain {
			return e, true
		}
	}
	return Entry{}, false
}

// EventsAhead sums, over every domain present in the receiver, the number of
// events by which the receiver leads other. A domain where other is ahead or
// equal contributes 0. A domain absent from other contributes per policy.
func (l List) EventsAhead(other List, policy MissingDomainPolicy) uint64 {
	var total uint64
	for _, e := range l {
		o, ok := other.byDomain(e.Domain)
		if !ok {
			if policy == SubtractMissingDomain {
				total += e.Sequence
			}
			continue
		}
		if e.Sequence > o.Sequence {
			total += e.Sequence - o.Sequence
		}
	}
	return total
}

// CanReplicateFrom reports whether a server holding masterPos can serve as a
// replication source for a server holding l: every domain in l must also be
// present in masterPos with a sequence number at least as large.
func (l List) CanReplicateFrom(masterPos List) bool {
	for _, e := range l {
		m, ok := masterPos.byDomain(e.Domain)
		if !ok || m.Sequence < e.Sequence {
			return false
		}
	}
	return true
}

// Equal compares two lists element-wise after sorting by domain; order of
// construction never affects equality.
func (l List) Equal(other List) bool {
	if len(l) != len(other) {
		return false
	}
	a, b := l.sortedByDomain(), other.sortedByDomain()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// IsEmpty reports whether the list has no entries.
func (l List) IsEmpty() bool {
	return len(l) == 0
}

// MarshalText implements encoding.TextMarshaler so a List embeds directly
// into JSON as its textual form.
func (l List) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *List) UnmarshalText(text []byte) error {
	*l = Parse(string(text))
	return nil
}
