package transport

import (
	"testing"
	"time"

	"sphynx/domain"
)

func pairedKeys() (a, b [32]byte) {
	for i := range a {
		a[i] = byte(i + 1)
	}
	for i := range b {
		b[i] = byte(i + 101)
	}
	return a, b
}

func newPair(t *testing.T, now time.Time) (client, server *Connexion, clientMsgs, serverMsgs *[]domain.Message) {
	t.Helper()
	keyCS, keySC := pairedKeys()

	var cMsgs, sMsgs []domain.Message
	client, err := NewConnexion(0xAAAA, keyCS, keySC, domain.DefaultMTU, Callbacks{
		OnMessage: func(m domain.Message) { cMsgs = append(cMsgs, m) },
	}, now)
	if err != nil {
		t.Fatalf("new client connexion: %v", err)
	}
	server, err = NewConnexion(0xAAAA, keySC, keyCS, domain.DefaultMTU, Callbacks{
		OnMessage: func(m domain.Message) { sMsgs = append(sMsgs, m) },
	}, now)
	if err != nil {
		t.Fatalf("new server connexion: %v", err)
	}
	return client, server, &cMsgs, &sMsgs
}

func TestReliableRoundTrip(t *testing.T) {
	now := time.Now()
	client, server, _, serverMsgs := newPair(t, now)

	if _, err := client.WriteReliable(0, 7, []byte("hello world")); err != nil {
		t.Fatalf("write reliable: %v", err)
	}
	sendAt := now.Add(domain.TickInterval)
	datagrams := client.Tick(sendAt)
	if len(datagrams) == 0 {
		t.Fatalf("expected at least one outgoing datagram")
	}
	for _, dg := range datagrams {
		if err := server.OnDatagram(sendAt, dg); err != nil {
			t.Fatalf("server OnDatagram: %v", err)
		}
	}
	if len(*serverMsgs) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(*serverMsgs))
	}
	if string((*serverMsgs)[0].Payload) != "hello world" {
		t.Fatalf("unexpected payload: %q", (*serverMsgs)[0].Payload)
	}
}

func TestReliableOutOfOrderBuffersThenDelivers(t *testing.T) {
	now := time.Now()
	client, server, _, serverMsgs := newPair(t, now)

	if _, err := client.WriteReliable(0, 1, []byte("first")); err != nil {
		t.Fatal(err)
	}
	firstDatagrams := client.Tick(now.Add(domain.TickInterval))

	if _, err := client.WriteReliable(0, 2, []byte("second")); err != nil {
		t.Fatal(err)
	}
	later := now.Add(2 * domain.TickInterval)
	secondDatagrams := client.Tick(later)

	for _, dg := range secondDatagrams {
		if err := server.OnDatagram(later, dg); err != nil {
			t.Fatalf("delivering second first: %v", err)
		}
	}
	if len(*serverMsgs) != 0 {
		t.Fatalf("expected out-of-order message to be buffered, not delivered yet; got %d", len(*serverMsgs))
	}

	for _, dg := range firstDatagrams {
		if err := server.OnDatagram(later, dg); err != nil {
			t.Fatalf("delivering first: %v", err)
		}
	}
	if len(*serverMsgs) != 2 {
		t.Fatalf("expected both messages delivered in order after gap fills, got %d", len(*serverMsgs))
	}
	if string((*serverMsgs)[0].Payload) != "first" || string((*serverMsgs)[1].Payload) != "second" {
		t.Fatalf("unexpected delivery order: %+v", *serverMsgs)
	}
}

func TestUnreliableDeliversImmediately(t *testing.T) {
	now := time.Now()
	client, server, _, serverMsgs := newPair(t, now)

	if err := client.WriteUnreliable(3, []byte("ping")); err != nil {
		t.Fatalf("write unreliable: %v", err)
	}
	for _, dg := range client.Tick(now) {
		if err := server.OnDatagram(now, dg); err != nil {
			t.Fatalf("OnDatagram: %v", err)
		}
	}
	if len(*serverMsgs) != 1 || string((*serverMsgs)[0].Payload) != "ping" {
		t.Fatalf("expected unreliable ping delivered, got %+v", *serverMsgs)
	}
}

func TestFragmentedMessageReassembles(t *testing.T) {
	now := time.Now()
	client, server, _, serverMsgs := newPair(t, now)

	big := make([]byte, 5000)
	for i := range big {
		big[i] = byte(i % 251)
	}
	if _, err := client.WriteReliable(1, 9, big); err != nil {
		t.Fatalf("write reliable: %v", err)
	}

	deadline := now
	for i := 0; i < 20 && len(*serverMsgs) == 0; i++ {
		deadline = deadline.Add(domain.TickInterval)
		for _, dg := range client.Tick(deadline) {
			if err := server.OnDatagram(deadline, dg); err != nil {
				t.Fatalf("OnDatagram: %v", err)
			}
		}
	}
	if len(*serverMsgs) != 1 {
		t.Fatalf("expected reassembled message, got %d messages", len(*serverMsgs))
	}
	if len((*serverMsgs)[0].Payload) != len(big) {
		t.Fatalf("expected %d bytes reassembled, got %d", len(big), len((*serverMsgs)[0].Payload))
	}
}

func TestAckRemovesFromUnacked(t *testing.T) {
	now := time.Now()
	client, server, _, _ := newPair(t, now)

	id, err := client.WriteReliable(0, 1, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	deadline := now.Add(domain.TickInterval)
	for _, dg := range client.Tick(deadline) {
		if err := server.OnDatagram(deadline, dg); err != nil {
			t.Fatal(err)
		}
	}
	// Server's next tick should carry the ACK back.
	deadline = deadline.Add(domain.AckDelay * 2)
	for _, dg := range server.Tick(deadline) {
		if err := client.OnDatagram(deadline, dg); err != nil {
			t.Fatal(err)
		}
	}
	if _, stillUnacked := client.streams[0].unacked[id]; stillUnacked {
		t.Fatalf("expected message %d to be acked and removed", id)
	}
}

func TestLostDatagramIsRetransmitted(t *testing.T) {
	now := time.Now()
	client, server, _, serverMsgs := newPair(t, now)

	if _, err := client.WriteReliable(0, 5, []byte("resend me")); err != nil {
		t.Fatal(err)
	}
	// First tick must land after construction's timestamp: the flow-control
	// bucket starts empty and only refills proportional to elapsed time, so
	// ticking at the exact construction instant would send nothing yet.
	firstTick := now.Add(domain.TickInterval)
	dropped := client.Tick(firstTick)
	if len(dropped) == 0 {
		t.Fatalf("expected at least one outgoing datagram")
	}
	// Simulate the datagram never reaching the server: don't call
	// server.OnDatagram. The client's RTO floor is domain.MinRTO, so the
	// next tick past that deadline must resend the same message.
	later := firstTick.Add(domain.MinRTO * 2)
	resent := client.Tick(later)
	if len(resent) == 0 {
		t.Fatalf("expected a retransmit once the RTO elapsed")
	}

	for _, dg := range resent {
		if err := server.OnDatagram(later, dg); err != nil {
			t.Fatalf("server OnDatagram: %v", err)
		}
	}
	if len(*serverMsgs) != 1 || string((*serverMsgs)[0].Payload) != "resend me" {
		t.Fatalf("expected the retransmitted message delivered, got %+v", *serverMsgs)
	}
}

func TestHugeMessageDeliversIncrementally(t *testing.T) {
	now := time.Now()
	client, server, _, serverMsgs := newPair(t, now)

	payload := make([]byte, domain.HugeThreshold+20000)
	for i := range payload {
		payload[i] = byte(i % 253)
	}
	if _, err := client.WriteReliable(1, 4, payload); err != nil {
		t.Fatalf("write reliable: %v", err)
	}

	deadline := now
	for i := 0; i < 200 && !lastIsHugeLast(*serverMsgs); i++ {
		deadline = deadline.Add(domain.TickInterval)
		for _, dg := range client.Tick(deadline) {
			if err := server.OnDatagram(deadline, dg); err != nil {
				t.Fatalf("OnDatagram: %v", err)
			}
		}
	}

	if len(*serverMsgs) < 2 {
		t.Fatalf("expected a huge message to arrive as multiple incremental fragments, got %d", len(*serverMsgs))
	}
	var reassembled []byte
	for _, m := range *serverMsgs {
		if !m.Huge {
			t.Fatalf("expected every delivery for this message to be marked Huge")
		}
		reassembled = append(reassembled, m.Payload...)
	}
	if len(reassembled) != len(payload) {
		t.Fatalf("expected %d bytes delivered across fragments, got %d", len(payload), len(reassembled))
	}
}

func lastIsHugeLast(msgs []domain.Message) bool {
	if len(msgs) == 0 {
		return false
	}
	return msgs[len(msgs)-1].HugeLast
}

func TestDecryptStreakDisconnects(t *testing.T) {
	now := time.Now()
	keyCS, keySC := pairedKeys()

	var reason domain.DisconnectReason
	var disconnected bool
	server, err := NewConnexion(0xAAAA, keySC, keyCS, domain.DefaultMTU, Callbacks{
		OnDisconnect: func(r domain.DisconnectReason) { disconnected = true; reason = r },
	}, now)
	if err != nil {
		t.Fatalf("new connexion: %v", err)
	}

	garbage := make([]byte, 64)
	for i := range garbage {
		garbage[i] = byte(i + 7)
	}
	for i := 0; i <= domain.MaxDecryptStreak; i++ {
		_ = server.OnDatagram(now, garbage)
	}

	if !disconnected {
		t.Fatalf("expected the connexion to disconnect after %d consecutive undecryptable datagrams", domain.MaxDecryptStreak)
	}
	if reason != domain.ReasonDecryptStreak {
		t.Fatalf("expected ReasonDecryptStreak, got %v", reason)
	}
	if server.State() != StateFailed {
		t.Fatalf("expected StateFailed, got %v", server.State())
	}
}

func TestDisconnectReachesDead(t *testing.T) {
	now := time.Now()
	client, _, _, _ := newPair(t, now)

	client.Disconnect(domain.ReasonLocalClose, now)
	if client.State() != StateDraining {
		t.Fatalf("expected draining state, got %v", client.State())
	}

	deadline := now
	for i := 0; i < domain.DisconnectRetries+1; i++ {
		deadline = deadline.Add(domain.DisconnectInterval)
		client.Tick(deadline)
	}
	if client.State() != StateDead {
		t.Fatalf("expected dead state after retries exhausted, got %v", client.State())
	}
}
