package channel

import (
	"net"
	"testing"

	"github.com/adred-codev/poker-ws-gateway/internal/auth"
	"github.com/adred-codev/poker-ws-gateway/internal/registry"
)

func newConn(t *testing.T, role auth.Role) *registry.Connection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	return registry.NewConnection(server, auth.Principal{UserID: "u1", Role: role}, "")
}

func TestCheckPermissionMatrix(t *testing.T) {
	cases := []struct {
		role   auth.Role
		ch     Name
		action Permission
		want   bool
	}{
		{auth.RolePlayer, Game, PermWrite, true},
		{auth.RoleSpectator, Game, PermWrite, false},
		{auth.RoleSpectator, Game, PermRead, false},
		{auth.RoleSpectator, Spectator, PermRead, true},
		{auth.RoleAdmin, Admin, PermBroadcast, true},
		{auth.RolePlayer, Admin, PermRead, false},
		{auth.RolePlayer, "bogus", PermRead, false},
	}
	for _, c := range cases {
		if got := CheckPermission(c.role, c.ch, c.action); got != c.want {
			t.Errorf("CheckPermission(%v, %v, %v) = %v, want %v", c.role, c.ch, c.action, got, c.want)
		}
	}
}

func TestSubscribeRequiresTableWhenConfigured(t *testing.T) {
	m := NewMultiplexer()
	conn := newConn(t, auth.RolePlayer)
	defer conn.Close()

	if _, err := m.Subscribe(conn, Game, ""); err != ErrTableIDRequired {
		t.Fatalf("Subscribe(Game, \"\") error = %v, want ErrTableIDRequired", err)
	}
}

func TestSubscribeRejectsUnknownChannel(t *testing.T) {
	m := NewMultiplexer()
	conn := newConn(t, auth.RolePlayer)
	defer conn.Close()

	if _, err := m.Subscribe(conn, Name("nonexistent"), ""); err != ErrInvalidChannel {
		t.Fatalf("Subscribe(unknown) error = %v, want ErrInvalidChannel", err)
	}
}

func TestSubscribeRejectsInsufficientPermission(t *testing.T) {
	m := NewMultiplexer()
	conn := newConn(t, auth.RoleSpectator)
	defer conn.Close()

	if _, err := m.Subscribe(conn, Admin, ""); err != ErrInsufficientPerms {
		t.Fatalf("Subscribe(Admin) by spectator error = %v, want ErrInsufficientPerms", err)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	m := NewMultiplexer()
	conn := newConn(t, auth.RolePlayer)
	defer conn.Close()

	first, err := m.Subscribe(conn, Chat, "table1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	second, err := m.Subscribe(conn, Chat, "table1")
	if err != nil {
		t.Fatalf("Subscribe (resubscribe): %v", err)
	}
	if first.SubscribedAt != second.SubscribedAt {
		t.Error("expected resubscribe to return the existing grant, not create a new one")
	}
	if m.index.Count(Chat, "table1") != 1 {
		t.Errorf("index count = %d, want 1 (no duplicate entries from resubscribe)", m.index.Count(Chat, "table1"))
	}
}

func TestSubscribeEnforcesPerChannelCap(t *testing.T) {
	m := NewMultiplexer()
	conn := newConn(t, auth.RolePlayer)
	defer conn.Close()

	for i := 0; i < 5; i++ {
		tableID := string(rune('a' + i))
		if _, err := m.Subscribe(conn, Chat, tableID); err != nil {
			t.Fatalf("Subscribe %d: %v", i, err)
		}
	}
	if _, err := m.Subscribe(conn, Chat, "overflow"); err != ErrChannelSubsExceeded {
		t.Fatalf("Subscribe past per-channel cap error = %v, want ErrChannelSubsExceeded", err)
	}
}

func TestSubscribeEnforcesTotalCap(t *testing.T) {
	m := NewMultiplexer()
	conn := newConn(t, auth.RoleAdmin)
	defer conn.Close()

	// Fill every per-channel cap short of Admin: game 1 + lobby 1 + chat 5 +
	// spectator 3 = 10 subscriptions, the per-connection total. Admin's own
	// cap of 1 is untouched, so only the total cap can reject it.
	subs := []struct {
		ch     Name
		tables []string
	}{
		{Game, []string{"a"}},
		{Lobby, []string{""}},
		{Chat, []string{"a", "b", "c", "d", "e"}},
		{Spectator, []string{"a", "b", "c"}},
	}
	count := 0
	for _, s := range subs {
		for _, tableID := range s.tables {
			if _, err := m.Subscribe(conn, s.ch, tableID); err != nil {
				t.Fatalf("Subscribe(%v, %q): %v", s.ch, tableID, err)
			}
			count++
		}
	}
	if count != 10 {
		t.Fatalf("subscribed %d, want 10", count)
	}
	if _, err := m.Subscribe(conn, Admin, ""); err != ErrTotalSubsExceeded {
		t.Fatalf("Subscribe past total cap error = %v, want ErrTotalSubsExceeded", err)
	}
}

func TestUnsubscribeRemovesFromIndex(t *testing.T) {
	m := NewMultiplexer()
	conn := newConn(t, auth.RolePlayer)
	defer conn.Close()

	if _, err := m.Subscribe(conn, Chat, "table1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := m.Unsubscribe(conn, Chat, "table1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if m.index.Count(Chat, "table1") != 0 {
		t.Error("expected index to be empty after Unsubscribe")
	}
	if err := m.Unsubscribe(conn, Chat, "table1"); err != ErrNotSubscribed {
		t.Fatalf("second Unsubscribe error = %v, want ErrNotSubscribed", err)
	}
}

func TestOnDisconnectClearsAllSubscriptions(t *testing.T) {
	m := NewMultiplexer()
	conn := newConn(t, auth.RolePlayer)
	defer conn.Close()

	m.Subscribe(conn, Chat, "table1")
	m.Subscribe(conn, Lobby, "")

	m.OnDisconnect(conn)

	if m.index.Count(Chat, "table1") != 0 {
		t.Error("expected chat index entry to be cleared on disconnect")
	}
	if m.index.Count(Lobby, "") != 0 {
		t.Error("expected lobby index entry to be cleared on disconnect")
	}
	if len(m.Subscriptions(conn)) != 0 {
		t.Error("expected no remaining per-connection subscriptions after disconnect")
	}
}

func TestIndexAddIsIdempotentAndRemoveIsExact(t *testing.T) {
	idx := NewIndex()
	a := newConn(t, auth.RolePlayer)
	defer a.Close()
	b := newConn(t, auth.RolePlayer)
	defer b.Close()

	idx.Add(Chat, "t1", a)
	idx.Add(Chat, "t1", a) // duplicate add should not double-insert
	idx.Add(Chat, "t1", b)

	if got := idx.Count(Chat, "t1"); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}

	idx.Remove(Chat, "t1", a)
	remaining := idx.Get(Chat, "t1")
	if len(remaining) != 1 || remaining[0] != b {
		t.Fatalf("Get() after removing a = %v, want [b]", remaining)
	}
}
