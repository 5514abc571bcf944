package vault

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const recordVersion = 1

var ErrMalformedRecord = errors.New("vault: malformed record")

// record is the persisted form of an Entry:
//
//	{"version":1,"active_key_id":"<uuid>","keys":{"<uuid>":"<base64>"},"updated_at":"<rfc3339>"}
//
// Older clients wrote a single key as {"key_id":"<uuid>","key_base64":"<base64>"}; decodeRecord
// accepts both and always yields the multi-key shape.
type record struct {
	Version     int         `json:"version"`
	ActiveKeyID string      `json:"active_key_id"`
	Keys        orderedKeys `json:"keys"`
	UpdatedAt   string      `json:"updated_at"`
}

type legacyRecord struct {
	KeyID     string `json:"key_id"`
	KeyBase64 string `json:"key_base64"`
}

type keyEntry struct {
	ID     string
	Base64 string
}

// orderedKeys is a JSON object whose member order is significant: oldest key first.
type orderedKeys []keyEntry

func (ok orderedKeys) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range ok {
		if i != 0 {
			buf.WriteByte(',')
		}
		id, err := json.Marshal(k.ID)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(k.Base64)
		if err != nil {
			return nil, err
		}
		buf.Write(id)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (ok *orderedKeys) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*ok = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	t, err := dec.Token()
	if err != nil {
		return err
	}
	if d, isDelim := t.(json.Delim); !isDelim || d != '{' {
		return fmt.Errorf("%w: keys must be an object", ErrMalformedRecord)
	}
	out := orderedKeys{}
	for dec.More() {
		t, err := dec.Token()
		if err != nil {
			return err
		}
		id, isString := t.(string)
		if !isString {
			return fmt.Errorf("%w: key id must be a string", ErrMalformedRecord)
		}
		var val string
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("%w: key %s: %v", ErrMalformedRecord, id, err)
		}
		out = out.set(id, val)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*ok = out
	return nil
}

// set replaces the value of an existing id in place or appends a new one.
func (ok orderedKeys) set(id, val string) orderedKeys {
	for i := range ok {
		if ok[i].ID == id {
			ok[i].Base64 = val
			return ok
		}
	}
	return append(ok, keyEntry{ID: id, Base64: val})
}

func encodeRecord(e *Entry) ([]byte, error) {
	r := &record{
		Version:     recordVersion,
		ActiveKeyID: e.ActiveKeyID,
		Keys:        make(orderedKeys, 0, len(e.Keys)),
		UpdatedAt:   e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	for _, k := range e.Keys {
		r.Keys = append(r.Keys, keyEntry{ID: k.KeyID, Base64: base64.StdEncoding.EncodeToString(k.Key[:])})
	}
	return json.Marshal(r)
}

func decodeRecord(communityID string, b []byte) (*Entry, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if _, isCurrent := fields["version"]; !isCurrent {
		if _, isLegacy := fields["key_id"]; isLegacy {
			return decodeLegacyRecord(communityID, b)
		}
		return nil, fmt.Errorf("%w: missing version", ErrMalformedRecord)
	}

	r := &record{}
	if err := json.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if r.Version != recordVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedRecord, r.Version)
	}
	e := &Entry{ActiveKeyID: r.ActiveKeyID, Keys: make([]*SenderKey, 0, len(r.Keys))}
	if r.UpdatedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: updated_at: %v", ErrMalformedRecord, err)
		}
		e.UpdatedAt = t
	}
	for _, k := range r.Keys {
		sk, err := decodeKey(communityID, k.ID, k.Base64)
		if err != nil {
			return nil, err
		}
		e.Keys = append(e.Keys, sk)
	}
	return e, nil
}

func decodeLegacyRecord(communityID string, b []byte) (*Entry, error) {
	l := &legacyRecord{}
	if err := json.Unmarshal(b, l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	sk, err := decodeKey(communityID, l.KeyID, l.KeyBase64)
	if err != nil {
		return nil, err
	}
	return &Entry{ActiveKeyID: sk.KeyID, Keys: []*SenderKey{sk}}, nil
}

func decodeKey(communityID, keyID, b64 string) (*SenderKey, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: empty key id", ErrMalformedRecord)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: key %s: %v", ErrMalformedRecord, keyID, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: key %s has length %d", ErrMalformedRecord, keyID, len(raw))
	}
	return &SenderKey{CommunityID: communityID, KeyID: keyID, Key: [32]byte(raw)}, nil
}
