package registry

import (
	"errors"
	"testing"

	"agrichain/core/types"
	"agrichain/native/common"
)

type mockState struct {
	byIdentity map[string]types.Address
	byAddress  map[types.Address]string
}

func newMockState() *mockState {
	return &mockState{
		byIdentity: make(map[string]types.Address),
		byAddress:  make(map[types.Address]string),
	}
}

func (m *mockState) RegistryPut(identity string, addr types.Address) error {
	m.byIdentity[identity] = addr
	m.byAddress[addr] = identity
	return nil
}

func (m *mockState) RegistryAddress(identity string) (types.Address, bool) {
	addr, ok := m.byIdentity[identity]
	return addr, ok
}

func (m *mockState) RegistryIdentity(addr types.Address) (string, bool) {
	identity, ok := m.byAddress[addr]
	return identity, ok
}

func testAddr(fill byte) types.Address {
	var addr types.Address
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestRegisterBijection(t *testing.T) {
	state := newMockState()
	engine := NewEngine()
	engine.SetState(state)

	addr := testAddr(0x01)
	if err := engine.Register("Farm.Huila", addr); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Identifier is normalised to lowercase.
	if got := engine.Resolve("farm.huila"); got != addr {
		t.Fatalf("resolve = %s, want %s", got.Hex(), addr.Hex())
	}
	if got := engine.Identity(addr); got != "farm.huila" {
		t.Fatalf("identity = %q, want farm.huila", got)
	}

	// Both sides are immutable once set.
	if err := engine.Register("farm.huila", testAddr(0x02)); err == nil {
		t.Fatal("expected re-registration of identifier to fail")
	} else if reason, ok := common.ReasonOf(err); !ok || reason != common.ReasonAlreadyRegistered {
		t.Fatalf("expected ALREADY_REGISTERED, got %v", err)
	}
	if err := engine.Register("other.name", addr); err == nil {
		t.Fatal("expected re-registration of address to fail")
	} else if reason, ok := common.ReasonOf(err); !ok || reason != common.ReasonAlreadyRegistered {
		t.Fatalf("expected ALREADY_REGISTERED, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	engine := NewEngine()
	engine.SetState(newMockState())

	cases := []struct {
		name     string
		identity string
		addr     types.Address
	}{
		{"too short", "ab", testAddr(0x01)},
		{"bad characters", "no spaces here", testAddr(0x01)},
		{"zero address", "farm.huila", types.ZeroAddress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := engine.Register(tc.identity, tc.addr); !errors.Is(err, ErrInvalidIdentity) {
				t.Fatalf("expected ErrInvalidIdentity, got %v", err)
			}
		})
	}
}

func TestResolveAbsent(t *testing.T) {
	engine := NewEngine()
	engine.SetState(newMockState())

	if got := engine.Resolve("nobody.here"); !got.IsZero() {
		t.Fatalf("expected zero address for absent identifier, got %s", got.Hex())
	}
	if got := engine.Identity(testAddr(0x09)); got != "" {
		t.Fatalf("expected empty identity for absent address, got %q", got)
	}
}
