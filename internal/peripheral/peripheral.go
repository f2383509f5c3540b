package peripheral

import (
	"context"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/sirupsen/logrus"

	"github.com/srg/crema/pkg/transport"
)

// Kind identifies the role a peripheral plays in the brew setup.
type Kind int

const (
	KindMachine Kind = iota
	KindScale
	KindThermometer
)

func (k Kind) String() string {
	switch k {
	case KindMachine:
		return "machine"
	case KindScale:
		return "scale"
	case KindThermometer:
		return "thermometer"
	default:
		return "unknown"
	}
}

// Handler is the device-specific capability the lifecycle drives at the
// correct transitions. Prepare runs synchronously on every transition into
// disconnected and must not assume a link. Initialize may perform arbitrary
// handshake I/O; on success the caller exposes readiness unless holdReady
// was set.
type Handler interface {
	Kind() Kind
	Describe() string
	Prepare()
	Initialize(ctx context.Context, holdReady bool) error
}

// Factory builds a vendor-specific handler over a live GATT surface.
type Factory func(gatt transport.GATT, logger *logrus.Logger) Handler

// vendors is the closed set of protocol implementations, keyed by vendor
// name. Registration order doubles as the advertised-name match order, so
// more specific vendors must be registered before generic ones.
var vendors = orderedmap.New[string, vendorEntry]()

type vendorEntry struct {
	factory Factory
	matches func(advertisedName string) bool
}

func register(vendor string, matches func(string) bool, factory Factory) {
	vendors.Set(vendor, vendorEntry{factory: factory, matches: matches})
}

// ForVendor returns the handler factory registered under the given vendor
// name.
func ForVendor(vendor string) (Factory, error) {
	entry, ok := vendors.Get(strings.ToLower(vendor))
	if !ok {
		return nil, fmt.Errorf("unknown peripheral vendor %q", vendor)
	}
	return entry.factory, nil
}

// Detect selects a vendor implementation from an advertised device name.
// Matchers are consulted in registration order; the first hit wins.
func Detect(advertisedName string) (string, Factory, error) {
	name := strings.ToLower(advertisedName)
	for pair := vendors.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.matches(name) {
			return pair.Key, pair.Value.factory, nil
		}
	}
	return "", nil, fmt.Errorf("no protocol implementation matches advertised name %q", advertisedName)
}

// Vendors lists the registered vendor names in match order.
func Vendors() []string {
	names := make([]string, 0, vendors.Len())
	for pair := vendors.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

func nameContains(substrings ...string) func(string) bool {
	return func(name string) bool {
		for _, s := range substrings {
			if strings.Contains(name, s) {
				return true
			}
		}
		return false
	}
}
