package profile

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"keyprint/internal/features"
)

// encMode uses Core Deterministic Encoding so the same profile always
// yields the same bytes, which the seal depends on. Times are encoded
// as RFC 3339 strings with nanoseconds to survive a storage round trip.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("profile: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("profile: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes p, seal included.
func Marshal(p *Profile) ([]byte, error) {
	data, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a profile written by Marshal.
func Unmarshal(data []byte) (*Profile, error) {
	var p Profile
	if err := decMode.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if _, err := ParseStatus(string(p.Status)); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if p.Digraphs == nil {
		p.Digraphs = make(map[string]RunningStat)
	}
	return &p, nil
}

// canonical is the byte string the seal covers: the profile without
// its seal.
func canonical(p *Profile) ([]byte, error) {
	c := *p
	c.Seal = nil
	return encMode.Marshal(&c)
}

// MarshalPattern encodes a training sample payload.
func MarshalPattern(fv features.FeatureVector) ([]byte, error) {
	data, err := encMode.Marshal(fv)
	if err != nil {
		return nil, fmt.Errorf("encode pattern: %w", err)
	}
	return data, nil
}

// UnmarshalPattern decodes a payload written by MarshalPattern.
func UnmarshalPattern(data []byte) (features.FeatureVector, error) {
	var fv features.FeatureVector
	if err := decMode.Unmarshal(data, &fv); err != nil {
		return features.FeatureVector{}, fmt.Errorf("decode pattern: %w", err)
	}
	return fv, nil
}
