package codec

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/openmtc/devreg"
)

func TestRegistrationRoundTrip(t *testing.T) {
	now := time.Now().UTC().Round(time.Second)
	r := devreg.Registration{
		ID:           "R1",
		Endpoint:     "dev-A",
		Address:      netip.MustParseAddrPort("10.0.0.1:5683"),
		RegisteredAt: now,
		Lifetime:     60 * time.Second,
		LastUpdate:   now,
		Payload:      []byte(`{"lwm2m":"1.0"}`),
	}
	b, err := EncodeRegistration(r)
	if err != nil {
		t.Fatalf("EncodeRegistration: %v", err)
	}
	got, err := DecodeRegistration(b)
	if err != nil {
		t.Fatalf("DecodeRegistration: %v", err)
	}
	if got.ID != r.ID || got.Endpoint != r.Endpoint || got.Address != r.Address ||
		!got.RegisteredAt.Equal(r.RegisteredAt) || got.Lifetime != r.Lifetime ||
		!got.LastUpdate.Equal(r.LastUpdate) || string(got.Payload) != string(r.Payload) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, r)
	}
}

func TestRegistrationRoundTripNoAddress(t *testing.T) {
	r := devreg.Registration{ID: "R1", Endpoint: "dev-A"}
	b, err := EncodeRegistration(r)
	if err != nil {
		t.Fatalf("EncodeRegistration: %v", err)
	}
	got, err := DecodeRegistration(b)
	if err != nil {
		t.Fatalf("DecodeRegistration: %v", err)
	}
	if got.Address.IsValid() {
		t.Fatalf("expected invalid address, got %v", got.Address)
	}
}

func TestObservationRoundTrip(t *testing.T) {
	o := devreg.Observation{
		Token:          []byte{0xAB, 0xCD},
		RegistrationID: "R1",
		Path:           devreg.ResourcePath{ObjectID: 3, InstanceID: 0, ResourceID: 1},
		Payload:        []byte("req"),
	}
	b, err := EncodeObservation(o)
	if err != nil {
		t.Fatalf("EncodeObservation: %v", err)
	}
	got, err := DecodeObservation(b)
	if err != nil {
		t.Fatalf("DecodeObservation: %v", err)
	}
	if string(got.Token) != string(o.Token) || got.RegistrationID != o.RegistrationID || got.Path != o.Path {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, o)
	}
}

func TestDecodeMalformedIsCodecFailure(t *testing.T) {
	_, err := DecodeRegistration([]byte("not cbor"))
	if !errors.Is(err, devreg.ErrCodecFailure) {
		t.Fatalf("expected ErrCodecFailure decoding malformed bytes, got %v", err)
	}
}
