package streamlog

import (
	"regexp"
	"strings"
)

var symbol = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9_-]*[A-Za-z0-9])?$`)

const (
	urnSep = "/"
	idSep  = "-"
)

// Name identifies a log or a consumer group: an optional namespace and a
// name. The zero Name is invalid. Names are comparable.
type Name struct {
	namespace string
	name      string
}

// NameOf builds a name from its parts. namespace may be empty.
func NameOf(namespace, name string) (Name, error) {
	if namespace != "" && !symbol.MatchString(namespace) {
		return Name{}, InvalidArgumentf("invalid namespace %q", namespace)
	}
	if !symbol.MatchString(name) {
		return Name{}, InvalidArgumentf("invalid name %q", name)
	}
	return Name{namespace: namespace, name: name}, nil
}

// NameOfURN parses "namespace/name" or "name".
func NameOfURN(urn string) (Name, error) {
	ns, n, ok := strings.Cut(urn, urnSep)
	if !ok {
		return NameOf("", urn)
	}
	return NameOf(ns, n)
}

// NameOfID parses an id built by Name.ID. The namespace ends at the first
// '-', so namespaces containing '-' do not survive the round trip.
func NameOfID(id string) (Name, error) {
	ns, n, ok := strings.Cut(id, idSep)
	if !ok {
		return NameOf("", id)
	}
	return NameOf(ns, n)
}

// MustName is NameOfURN that panics, for literals.
func MustName(urn string) Name {
	n, err := NameOfURN(urn)
	if err != nil {
		panic(err)
	}
	return n
}

func (n Name) Namespace() string { return n.namespace }
func (n Name) Name() string      { return n.name }
func (n Name) IsZero() bool      { return n.name == "" }

// ID is the storage key form: namespace and name joined with '-'.
func (n Name) ID() string {
	if n.namespace == "" {
		return n.name
	}
	return n.namespace + idSep + n.name
}

// URN is the display form: namespace and name joined with '/'.
func (n Name) URN() string {
	if n.namespace == "" {
		return n.name
	}
	return n.namespace + urnSep + n.name
}

func (n Name) String() string { return n.URN() }

// MarshalText encodes the urn.
func (n Name) MarshalText() ([]byte, error) { return []byte(n.URN()), nil }

// UnmarshalText parses a urn.
func (n *Name) UnmarshalText(b []byte) error {
	v, err := NameOfURN(string(b))
	if err != nil {
		return err
	}
	*n = v
	return nil
}
