package core

import (
	"fmt"
	"time"
)

// DefaultContentType is used whenever a tier does not report a media type.
const DefaultContentType = "application/octet-stream"

// DescriptorPathPrefix is the URL path under which descriptors are addressed,
// both on this service and on the pull-through origin.
const DescriptorPathPrefix = "/v1/desc/"

// CID represents binary CID bytes.
type CID struct {
	Bytes []byte
}

// Key is the content hash that identifies a descriptor.
type Key string

// ParseKey validates s against the descriptor key charset [A-Za-z0-9._-]+.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for i := 0; i < len(s); i++ {
		if !keyByte(s[i]) {
			return "", fmt.Errorf("%w: byte %q at offset %d", ErrInvalidKey, s[i], i)
		}
	}
	return Key(s), nil
}

func keyByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == '-':
		return true
	}
	return false
}

func (k Key) String() string { return string(k) }

// CachePath returns the stable URL-shaped identifier used as the local tier key.
// It is never fetched.
func (k Key) CachePath() string {
	return DescriptorPathPrefix + string(k)
}

// Object is what a durable store or an origin yields for a key.
type Object struct {
	Data        []byte
	ContentType string
}

// Descriptor is an immutable blob resolved for a key.
type Descriptor struct {
	Key         Key
	Data        []byte
	ContentType string
}

// NewDescriptor builds a Descriptor, applying DefaultContentType.
func NewDescriptor(key Key, obj Object) Descriptor {
	ct := obj.ContentType
	if ct == "" {
		ct = DefaultContentType
	}
	return Descriptor{Key: key, Data: obj.Data, ContentType: ct}
}

// Object returns the storable form of d.
func (d Descriptor) Object() Object {
	return Object{Data: d.Data, ContentType: d.ContentType}
}

// Clone returns a deep copy so cache writers never share the caller's buffer.
func (d Descriptor) Clone() Descriptor {
	out := d
	if d.Data != nil {
		out.Data = append([]byte(nil), d.Data...)
	}
	return out
}

// Entry is a local tier record.
type Entry struct {
	Descriptor Descriptor
	InsertedAt time.Time
}
