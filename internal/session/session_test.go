package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/example/carpool-ledger/internal/models"
)

// cheap parameters keep the tests fast
var testParams = HashParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

var (
	acct1 = common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")
	acct2 = common.HexToAddress("0xFFcf8FDEE72ac11b5c542428B35EEF5769C409f0")
)

type staticKeyring []common.Address

func (k staticKeyring) Accounts(context.Context) ([]common.Address, error) { return k, nil }

type noRides struct{}

func (noRides) GetRide(context.Context, models.RideID) (models.Ride, error) {
	return models.Ride{}, models.ErrNotFound
}

func TestHashRoundTrip(t *testing.T) {
	h, err := hashPassword("hunter2", testParams)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(h, "$argon2id$v=19$m=1024,t=1,p=1$") {
		t.Fatalf("unexpected encoding %s", h)
	}
	if ok, err := verifyPassword("hunter2", h); err != nil || !ok {
		t.Fatalf("verify = %v, %v", ok, err)
	}
	if ok, _ := verifyPassword("hunter3", h); ok {
		t.Fatal("wrong password verified")
	}
	other, _ := hashPassword("hunter2", testParams)
	if other == h {
		t.Fatal("salt must differ between hashes")
	}
	if _, err := verifyPassword("x", "$bcrypt$nope"); err == nil {
		t.Fatal("expected malformed hash error")
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(testParams)
	ctx := context.Background()
	valid := Registration{Name: "Asha", Email: "asha@example.com", Password: "pw", Role: RolePassenger, Wallet: acct1}

	bad := []Registration{
		{Email: "asha@example.com", Password: "pw", Role: RolePassenger, Wallet: acct1},
		{Name: "Asha", Email: "asha.example.com", Password: "pw", Role: RolePassenger, Wallet: acct1},
		{Name: "Asha", Email: "asha@example", Password: "pw", Role: RolePassenger, Wallet: acct1},
		{Name: "Asha", Email: "asha@example.com", Role: RolePassenger, Wallet: acct1},
		{Name: "Asha", Email: "asha@example.com", Password: "pw", Role: "admin", Wallet: acct1},
		{Name: "Asha", Email: "asha@example.com", Password: "pw", Role: RolePassenger},
	}
	for i, reg := range bad {
		if _, err := r.Register(ctx, reg); !errors.Is(err, models.ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
	if _, err := r.Register(ctx, valid); err != nil {
		t.Fatal(err)
	}
	dup := valid
	dup.Email = "  ASHA@example.com"
	if _, err := r.Register(ctx, dup); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestLogin(t *testing.T) {
	r := NewRegistry(testParams)
	ctx := context.Background()
	if _, err := r.Register(ctx, Registration{Name: "Ravi", Email: "ravi@example.com", Password: "s3cret", Role: RoleDriver, Wallet: acct2}); err != nil {
		t.Fatal(err)
	}

	u, err := r.Login(ctx, "ravi@example.com", "s3cret", acct2)
	if err != nil || u.Role != RoleDriver || u.Name != "Ravi" {
		t.Fatalf("login = %+v, %v", u, err)
	}
	if _, err := r.Login(ctx, "ravi@example.com", "wrong", acct2); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := r.Login(ctx, "nobody@example.com", "s3cret", acct2); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email must look like a bad password, got %v", err)
	}
	if _, err := r.Login(ctx, "ravi@example.com", "s3cret", acct1); !errors.Is(err, ErrWalletMismatch) {
		t.Fatalf("expected ErrWalletMismatch, got %v", err)
	}
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(staticKeyring{acct1, acct2}, noRides{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	if _, err := m.Connect(ctx, common.HexToAddress("0x1234")); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected unknown account to be rejected, got %v", err)
	}
	s, err := m.Connect(ctx, acct1)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID == "" || s.Chat == nil || s.Role() != RoleNone {
		t.Fatalf("unexpected session %+v", s)
	}
	got, err := m.Get(s.ID)
	if err != nil || got != s {
		t.Fatalf("get = %v, %v", got, err)
	}

	if err := s.Require(RolePassenger); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}
	s.Login(User{Name: "Asha", Role: RolePassenger, Wallet: acct1})
	if err := s.Require(RolePassenger); err != nil {
		t.Fatal(err)
	}
	if err := s.Require(RoleDriver); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected wrong role to be unauthorized, got %v", err)
	}
	s.Logout()
	if s.Role() != RoleNone {
		t.Fatal("logout must clear the role")
	}

	if err := m.Disconnect(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(s.ID); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if err := m.Disconnect(s.ID); !errors.Is(err, ErrNoSession) {
		t.Fatalf("second disconnect: expected ErrNoSession, got %v", err)
	}
}

func TestParseAccount(t *testing.T) {
	good := []string{
		"0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1",
		"0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1",
		" 0x90F8BF6A479F320EAD074411A4B0E7944EA8C9C1 ",
	}
	for _, s := range good {
		a, err := ParseAccount(s)
		if err != nil || a != acct1 {
			t.Fatalf("ParseAccount(%q) = %s, %v", s, a.Hex(), err)
		}
	}
	for _, s := range []string{"", "0x1234", "not an address", "0x90f8bf6A479f320ead074411a4B0e7944Ea8c9C1"} {
		if _, err := ParseAccount(s); !errors.Is(err, models.ErrInvalidInput) {
			t.Fatalf("ParseAccount(%q): expected ErrInvalidInput, got %v", s, err)
		}
	}
}
