package driver

import (
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/sqlpool/pkg/poolerrors"
)

// Factory builds a Driver from a database URL whose scheme it was
// registered under.
type Factory func(rawURL string) (Driver, error)

var factories = struct {
	sync.RWMutex
	m map[string]Factory
}{m: make(map[string]Factory)}

// Register makes a driver factory available under a URL scheme.
// If Register is called twice with the same scheme or if factory is nil,
// it panics.
func Register(scheme string, factory Factory) {
	if factory == nil {
		panic("driver: Register factory is nil")
	}
	scheme = strings.ToLower(scheme)

	factories.Lock()
	defer factories.Unlock()
	if _, dup := factories.m[scheme]; dup {
		panic("driver: Register called twice for scheme " + scheme)
	}
	factories.m[scheme] = factory
}

// Unregister removes a scheme. It reports whether the scheme was known.
func Unregister(scheme string) bool {
	scheme = strings.ToLower(scheme)

	factories.Lock()
	defer factories.Unlock()
	_, ok := factories.m[scheme]
	delete(factories.m, scheme)
	return ok
}

// Lookup returns the factory registered for scheme.
func Lookup(scheme string) (Factory, bool) {
	factories.RLock()
	defer factories.RUnlock()
	f, ok := factories.m[strings.ToLower(scheme)]
	return f, ok
}

// Schemes returns a sorted list of the registered schemes.
func Schemes() []string {
	factories.RLock()
	defer factories.RUnlock()
	list := make([]string, 0, len(factories.m))
	for scheme := range factories.m {
		list = append(list, scheme)
	}
	sort.Strings(list)
	return list
}

// FromURL builds a Driver for rawURL using the factory registered for its
// scheme.
func FromURL(rawURL string) (Driver, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, poolerrors.From(poolerrors.ErrInvalidURL)
	}
	scheme, err := Scheme(rawURL)
	if err != nil {
		return nil, err
	}

	factory, ok := Lookup(scheme)
	if !ok {
		return nil, poolerrors.From(poolerrors.ErrUnknownScheme).
			WithDetail("scheme", scheme).
			WithDetail("known", Schemes())
	}
	return factory(rawURL)
}

// Scheme extracts the scheme of a database URL.
func Scheme(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		// Passwords with reserved characters break url.Parse; the scheme is
		// still everything before "://".
		if i := strings.Index(rawURL, "://"); i > 0 {
			return strings.ToLower(rawURL[:i]), nil
		}
		return "", poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "invalid database url")
	}
	if u.Scheme == "" {
		return "", poolerrors.From(poolerrors.ErrInvalidURL).WithDetail("url", Redact(rawURL))
	}
	return strings.ToLower(u.Scheme), nil
}

// Redact hides the password of a URL or DSN for logging.
func Redact(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
			return u.String()
		}
		return raw
	}
	// user:password@... style DSNs
	at := strings.LastIndex(raw, "@")
	if at < 0 {
		return raw
	}
	prefix := raw[:at]
	start := strings.Index(prefix, "://")
	if start >= 0 {
		start += 3
	} else {
		start = 0
	}
	colon := strings.Index(prefix[start:], ":")
	if colon < 0 {
		return raw
	}
	return raw[:start+colon+1] + "xxxxx" + raw[at:]
}
