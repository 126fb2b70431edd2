package profile

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Profile is the static declaration of one plugin: its identity, where its
// sandboxed content is loaded from, the methods the host may call on it, and
// the notifications it may emit. A profile is immutable once loaded; the
// connection layer treats it as read-only.
type Profile struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`

	// Methods is the allow-list of remotely callable method names. A call
	// to anything outside this list is rejected before it reaches the wire.
	Methods []string `yaml:"methods"`

	// Notifications maps an event namespace to the notification names the
	// plugin declares under it, e.g. {math: [overflow]}.
	Notifications map[string][]string `yaml:"notifications,omitempty"`
}

// HasMethod reports whether name is in the declared method allow-list.
func (p *Profile) HasMethod(name string) bool {
	for _, m := range p.Methods {
		if m == name {
			return true
		}
	}
	return false
}

// NotificationNames returns every declared notification name across all
// namespaces, sorted and de-duplicated.
func (p *Profile) NotificationNames() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, names := range p.Notifications {
		for _, n := range names {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// DeclaresNotification reports whether name appears under any namespace.
func (p *Profile) DeclaresNotification(name string) bool {
	for _, names := range p.Notifications {
		for _, n := range names {
			if n == name {
				return true
			}
		}
	}
	return false
}

// Origin returns the canonical origin (scheme://host[:port]) of the profile
// URL. This is the origin inbound messages are later checked against.
func (p *Profile) Origin() (string, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return "", fmt.Errorf("parse profile url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("profile url %q has no scheme or host", p.URL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Validate checks required profile fields.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("url is required")
	}
	if _, err := p.Origin(); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(p.Methods))
	for _, m := range p.Methods {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("method name is required")
		}
		if _, dup := seen[m]; dup {
			return fmt.Errorf("duplicate method %q", m)
		}
		seen[m] = struct{}{}
	}

	for ns, names := range p.Notifications {
		if strings.TrimSpace(ns) == "" {
			return fmt.Errorf("notification namespace is required")
		}
		for _, n := range names {
			if strings.TrimSpace(n) == "" {
				return fmt.Errorf("notification name is required in namespace %q", ns)
			}
		}
	}
	return nil
}
