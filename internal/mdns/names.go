package mdns

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"golang.org/x/net/dns/dnsmessage"

	mirrorerrors "github.com/cuza/mDNS-Mirror/internal/errors"
	"github.com/cuza/mDNS-Mirror/internal/record"
)

// DefaultDomain is the mDNS discovery domain.
const DefaultDomain = "local."

// typeEnumeration is the DNS-SD meta-query that lists service types.
const typeEnumeration = "_services._dns-sd._udp"

var (
	// ErrInvalidName is returned for records whose type, name or host cannot be
	// announced.
	ErrInvalidName = errors.New("invalid service name")
	// ErrAlreadyExists is returned when a name is already announced or
	// already answered by another responder on the segment.
	ErrAlreadyExists = errors.New("service name already exists")
	// ErrNotRegistered is returned by Update for names this node never announced.
	ErrNotRegistered = errors.New("service not registered")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")
)

var serviceTypePattern = regexp.MustCompile(`^_[A-Za-z0-9-]{1,15}\._(tcp|udp)$`)

// ValidServiceType reports whether t looks like "_name._tcp" or "_name._udp".
func ValidServiceType(t string) bool {
	return serviceTypePattern.MatchString(t)
}

// InstanceName composes the full instance name for instance under serviceType.
func InstanceName(instance, serviceType, domain string) string {
	if trimDot(domain) == "" {
		domain = DefaultDomain
	}
	return fmt.Sprintf("%s.%s.%s", instance, trimDot(serviceType), fqdn(domain))
}

// NormalizeType strips a trailing domain and dots from a browsed service type,
// so "_http._tcp.local" becomes "_http._tcp".
func NormalizeType(t, domain string) string {
	t = trimDot(t)
	if d := trimDot(domain); d != "" {
		t = strings.TrimSuffix(t, "."+d)
	}
	return t
}

// ValidateRecord checks that rec can be handed to a responder.
func ValidateRecord(rec record.Record) error {
	fail := func(msg string) error {
		return mirrorerrors.WrapValidationError(ErrInvalidName, "validate_record", msg)
	}

	if !ValidServiceType(rec.Type) {
		return fail(fmt.Sprintf("bad service type %q", rec.Type))
	}
	if rec.Instance == "" || len(rec.Instance) > 63 {
		return fail(fmt.Sprintf("bad instance label %q", rec.Instance))
	}
	if want := InstanceName(rec.Instance, rec.Type, rec.Domain); rec.Name != want {
		return fail(fmt.Sprintf("name %q does not match %q", rec.Name, want))
	}
	if _, err := dnsmessage.NewName(fqdn(rec.Name)); err != nil {
		return fail(fmt.Sprintf("name %q: %v", rec.Name, err))
	}
	if rec.Host == "" {
		return fail("missing host")
	}
	if _, err := dnsmessage.NewName(fqdn(rec.Host)); err != nil {
		return fail(fmt.Sprintf("host %q: %v", rec.Host, err))
	}
	if rec.Port <= 0 || rec.Port > 65535 {
		return fail(fmt.Sprintf("port %d out of range", rec.Port))
	}
	if len(rec.IPv4)+len(rec.IPv6) == 0 {
		return fail("no addresses")
	}
	for _, a := range rec.Addresses() {
		if net.ParseIP(a) == nil {
			return fail(fmt.Sprintf("bad address %q", a))
		}
	}
	return nil
}

func trimDot(s string) string {
	return strings.Trim(s, ".")
}

func fqdn(s string) string {
	s = trimDot(s)
	if s == "" {
		return "."
	}
	return s + "."
}
