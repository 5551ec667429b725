package instrument

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestNewValidatesParams(t *testing.T) {
	cases := []struct {
		name       string
		id         string
		margin     string
		commission string
		wantErr    bool
	}{
		{"valid", "IX2401", "0.10", "0.0003", false},
		{"empty id", "", "0.10", "0.0003", true},
		{"zero margin", "IX2401", "0", "0.0003", true},
		{"margin above one", "IX2401", "1.5", "0.0003", true},
		{"negative commission", "IX2401", "0.10", "-0.1", true},
		{"full margin", "IX2401", "1", "0", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.id, d(tc.margin), d(tc.commission))
			if (err != nil) != tc.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestMarginAndCommission(t *testing.T) {
	ins, err := New("IX2401", d("0.10"), d("0.0003"))
	if err != nil {
		t.Fatal(err)
	}

	if got := ins.Margin(d("100"), d("10")); !got.Equal(d("100")) {
		t.Errorf("margin = %s, want 100", got)
	}
	if got := ins.Commission(d("100"), d("10")); !got.Equal(d("0.3")) {
		t.Errorf("commission = %s, want 0.3", got)
	}
}

func TestValidateOrder(t *testing.T) {
	ins, err := New("IX2401", d("0.10"), d("0.0003"))
	if err != nil {
		t.Fatal(err)
	}
	ins.PriceTick = d("0.5")
	ins.MinVolume = d("1")

	cases := []struct {
		name    string
		price   string
		volume  string
		wantErr bool
	}{
		{"valid", "100.5", "2", false},
		{"zero price", "0", "2", true},
		{"negative volume", "100", "-1", true},
		{"off tick", "100.3", "2", true},
		{"below min volume", "100", "0.5", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ins.ValidateOrder(d(tc.price), d(tc.volume))
			if (err != nil) != tc.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	ins, err := New("IX2401", d("0.10"), d("0.0003"))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ins); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(ins); !errors.Is(err, ErrDuplicateInstrument) {
		t.Errorf("err = %v, want ErrDuplicateInstrument", err)
	}

	got, err := r.Get("IX2401")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "IX2401" {
		t.Errorf("id = %s", got.ID)
	}

	if _, err := r.Get("IX9999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRegistryStatusTransitions(t *testing.T) {
	r := NewRegistry()
	ins, _ := New("IX2401", d("0.10"), d("0.0003"))
	if err := r.Register(ins); err != nil {
		t.Fatal(err)
	}

	if err := r.UpdateStatus("IX2401", Paused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := r.UpdateStatus("IX2401", Settled); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// Settled is terminal.
	if err := r.UpdateStatus("IX2401", Active); err == nil {
		t.Error("reactivating a settled instrument should fail")
	}
}
