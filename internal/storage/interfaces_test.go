package storage

import (
	"errors"
	"testing"
)

func TestSubscriberNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"Buyer@Example.COM", "buyer@example.com", false},
		{"  Buyer <buyer@example.com> ", "buyer@example.com", false},
		{"not-an-email", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		s := &Subscriber{Email: tt.in}
		err := s.Normalize()
		if (err != nil) != tt.wantErr {
			t.Errorf("Normalize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil {
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Normalize(%q) error %v is not ErrInvalidInput", tt.in, err)
			}
			continue
		}
		if s.Email != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, s.Email, tt.want)
		}
	}

	var nilSub *Subscriber
	if err := nilSub.Normalize(); !errors.Is(err, ErrInvalidInput) {
		t.Error("nil subscriber should be invalid")
	}
}

func TestSubscriberWants(t *testing.T) {
	all := &Subscriber{Email: "a@example.com"}
	one := &Subscriber{Email: "b@example.com", Collection: "apes"}

	if !all.Wants("apes") || !all.Wants("") {
		t.Error("subscriber without collection should want everything")
	}
	if !one.Wants("apes") || one.Wants("cats") {
		t.Error("collection subscriber should only want its collection")
	}
}
