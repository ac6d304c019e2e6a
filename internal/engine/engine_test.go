package engine

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/energizer-project/tftpd/internal/protocol"
	"github.com/energizer-project/tftpd/internal/session"
	"github.com/energizer-project/tftpd/internal/store"
)

type memStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{files: make(map[string][]byte)}
}

func (s *memStore) Exists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[name]
	return ok, nil
}

func (s *memStore) Read(_ context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *memStore) Create(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[name]; ok {
		return store.ErrExists
	}
	s.files[name] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[name]; !ok {
		return store.ErrNotFound
	}
	delete(s.files, name)
	return nil
}

func (s *memStore) List(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// outbox records every packet sent per connection.
type outbox struct {
	mu   sync.Mutex
	sent map[int][][]byte
}

func newOutbox() *outbox {
	return &outbox{sent: make(map[int][][]byte)}
}

func (o *outbox) Send(connID int, data []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent[connID] = append(o.sent[connID], append([]byte(nil), data...))
	return true
}

// take returns and clears the packets sent to connID.
func (o *outbox) take(connID int) [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.sent[connID]
	delete(o.sent, connID)
	return out
}

type harness struct {
	store *memStore
	reg   *session.Registry
	out   *outbox
}

func newHarness() *harness {
	return &harness{
		store: newMemStore(),
		reg:   session.NewRegistry(),
		out:   newOutbox(),
	}
}

func (h *harness) engine(connID int) *Engine {
	return New(connID, "127.0.0.1:0", Deps{
		Store:    h.store,
		Registry: h.reg,
		Conns:    h.out,
	})
}

func mustParse(t *testing.T, packet []byte) *protocol.Message {
	t.Helper()
	msg, err := protocol.Parse(packet)
	if err != nil {
		t.Fatalf("Parse(% x): %v", packet, err)
	}
	return msg
}

func expectACK(t *testing.T, packets [][]byte, block uint16) {
	t.Helper()
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want a single ACK", len(packets))
	}
	msg := mustParse(t, packets[0])
	if msg.Opcode != protocol.OpACK || msg.Block != block {
		t.Fatalf("got %s block %d, want ACK %d", msg.Opcode, msg.Block, block)
	}
}

func expectError(t *testing.T, packets [][]byte, code protocol.ErrorCode) *protocol.Message {
	t.Helper()
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want a single ERROR", len(packets))
	}
	msg := mustParse(t, packets[0])
	if msg.Opcode != protocol.OpERROR || msg.ErrorCode != code {
		t.Fatalf("got %s code %d, want ERROR %d", msg.Opcode, msg.ErrorCode, code)
	}
	return msg
}

func login(t *testing.T, h *harness, e *Engine, name string) {
	t.Helper()
	e.Process(context.Background(), protocol.BuildRequest(protocol.OpLOGRQ, name))
	expectACK(t, h.out.take(e.ConnID()), 0)
}

func TestLoginAndUniqueness(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	alice := h.engine(1)
	other := h.engine(2)

	login(t, h, alice, "alice")
	if !alice.LoggedIn() || alice.Username() != "alice" {
		t.Fatal("alice not logged in")
	}

	other.Process(ctx, protocol.BuildRequest(protocol.OpLOGRQ, "alice"))
	expectError(t, h.out.take(2), protocol.ErrAlreadyLoggedIn)

	alice.Process(ctx, protocol.BuildRequest(protocol.OpLOGRQ, "bob"))
	expectError(t, h.out.take(1), protocol.ErrAlreadyLoggedIn)
	if alice.Username() != "alice" {
		t.Errorf("second LOGRQ changed username to %q", alice.Username())
	}
}

func TestLoginRejectsIllegalName(t *testing.T) {
	h := newHarness()
	e := h.engine(1)

	e.Process(context.Background(), protocol.BuildRequest(protocol.OpLOGRQ, "../root"))
	msg := expectError(t, h.out.take(1), protocol.ErrNotDefined)
	if msg.ErrorMsg != "Illegal user name" {
		t.Errorf("message = %q", msg.ErrorMsg)
	}
	if e.LoggedIn() {
		t.Error("illegal name logged in")
	}
}

func TestNotLoggedInGuard(t *testing.T) {
	h := newHarness()
	e := h.engine(1)
	ctx := context.Background()

	frames := [][]byte{
		protocol.BuildRequest(protocol.OpRRQ, "a.txt"),
		protocol.BuildRequest(protocol.OpWRQ, "a.txt"),
		protocol.BuildData(1, []byte("x")),
		protocol.BuildACK(0),
		protocol.BuildBare(protocol.OpDIRQ),
		protocol.BuildRequest(protocol.OpDELRQ, "a.txt"),
		protocol.BuildBare(protocol.OpDISC),
		{0x00, 0x09, 0x01, 'a', 0x00},
	}
	for _, f := range frames {
		e.Process(ctx, f)
		expectError(t, h.out.take(1), protocol.ErrNotLoggedIn)
	}
	if e.ShouldTerminate() {
		t.Error("DISC before login terminated the session")
	}
}

// Scenario: upload of 1000 bytes is split into 512 + 488 and every logged-in
// client, the uploader included, learns about the new file.
func TestUploadBroadcastsToEveryone(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	alice := h.engine(1)
	bob := h.engine(2)
	login(t, h, alice, "alice")
	login(t, h, bob, "bob")

	alice.Process(ctx, protocol.BuildRequest(protocol.OpWRQ, "a.txt"))
	expectACK(t, h.out.take(1), 0)

	content := bytes.Repeat([]byte("0123456789"), 100)
	chunks := protocol.SplitData(content)
	if len(chunks) != 2 {
		t.Fatalf("SplitData produced %d packets", len(chunks))
	}

	alice.Process(ctx, chunks[0])
	expectACK(t, h.out.take(1), 1)
	if exists, _ := h.store.Exists(ctx, "a.txt"); exists {
		t.Fatal("file visible before upload completed")
	}

	alice.Process(ctx, chunks[1])
	sent := h.out.take(1)
	if len(sent) != 2 {
		t.Fatalf("uploader got %d packets, want ACK and BCAST", len(sent))
	}
	if msg := mustParse(t, sent[0]); msg.Opcode != protocol.OpACK || msg.Block != 2 {
		t.Errorf("first packet = %s %d, want ACK 2", msg.Opcode, msg.Block)
	}
	for _, p := range [][]byte{sent[1], onlyPacket(t, h.out.take(2))} {
		msg := mustParse(t, p)
		if msg.Opcode != protocol.OpBCAST || !msg.Added || msg.Name != "a.txt" {
			t.Errorf("broadcast = %+v", msg)
		}
	}

	got, err := h.store.Read(ctx, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Error("stored content differs from upload")
	}
}

func onlyPacket(t *testing.T, packets [][]byte) []byte {
	t.Helper()
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	return packets[0]
}

func TestUploadOfExistingFile(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.store.Create(ctx, "a.txt", []byte("old"))
	e := h.engine(1)
	login(t, h, e, "alice")

	e.Process(ctx, protocol.BuildRequest(protocol.OpWRQ, "a.txt"))
	expectError(t, h.out.take(1), protocol.ErrFileExists)

	e.Process(ctx, protocol.BuildData(1, []byte("new")))
	expectError(t, h.out.take(1), protocol.ErrIllegalOperation)
}

func TestUploadRacedByAnotherWriter(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	e := h.engine(1)
	login(t, h, e, "alice")

	e.Process(ctx, protocol.BuildRequest(protocol.OpWRQ, "a.txt"))
	expectACK(t, h.out.take(1), 0)

	_ = h.store.Create(ctx, "a.txt", []byte("winner"))
	e.Process(ctx, protocol.BuildData(1, []byte("loser")))
	expectError(t, h.out.take(1), protocol.ErrFileExists)

	got, _ := h.store.Read(ctx, "a.txt")
	if string(got) != "winner" {
		t.Errorf("content = %q, want the first writer's", got)
	}
}

func TestEmptyUpload(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	e := h.engine(1)
	login(t, h, e, "alice")

	e.Process(ctx, protocol.BuildRequest(protocol.OpWRQ, "empty"))
	h.out.take(1)
	e.Process(ctx, protocol.BuildData(1, nil))

	sent := h.out.take(1)
	if len(sent) != 2 {
		t.Fatalf("got %d packets, want ACK and BCAST", len(sent))
	}
	got, err := h.store.Read(ctx, "empty")
	if err != nil || len(got) != 0 {
		t.Errorf("Read(empty) = %q, %v", got, err)
	}
}

// Scenario: download of a 512-byte file needs a zero-length DATA packet to
// signal the end.
func TestDownloadExactBlock(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	content := bytes.Repeat([]byte{0xAB}, protocol.BlockSize)
	_ = h.store.Create(ctx, "b.bin", content)
	e := h.engine(1)
	login(t, h, e, "alice")

	e.Process(ctx, protocol.BuildRequest(protocol.OpRRQ, "b.bin"))
	first := mustParse(t, onlyPacket(t, h.out.take(1)))
	if first.Opcode != protocol.OpDATA || first.Block != 1 || len(first.Data) != protocol.BlockSize {
		t.Fatalf("first DATA = %s block %d len %d", first.Opcode, first.Block, len(first.Data))
	}

	e.Process(ctx, protocol.BuildACK(1))
	second := mustParse(t, onlyPacket(t, h.out.take(1)))
	if second.Opcode != protocol.OpDATA || second.Block != 2 || len(second.Data) != 0 {
		t.Fatalf("second DATA = %s block %d len %d", second.Opcode, second.Block, len(second.Data))
	}

	e.Process(ctx, protocol.BuildACK(2))
	if sent := h.out.take(1); len(sent) != 0 {
		t.Errorf("final ACK produced %d packets", len(sent))
	}

	e.Process(ctx, protocol.BuildACK(3))
	if sent := h.out.take(1); len(sent) != 0 {
		t.Errorf("stray ACK produced %d packets", len(sent))
	}
}

func TestDownloadTwoBlocks(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	content := make([]byte, 1000)
	for i := range content {
		content[i] = byte(i)
	}
	_ = h.store.Create(ctx, "a.bin", content)
	e := h.engine(1)
	login(t, h, e, "alice")

	e.Process(ctx, protocol.BuildRequest(protocol.OpRRQ, "a.bin"))
	first := mustParse(t, onlyPacket(t, h.out.take(1)))
	if first.Opcode != protocol.OpDATA || first.Block != 1 || !bytes.Equal(first.Data, content[:512]) {
		t.Fatalf("first DATA = %s block %d len %d", first.Opcode, first.Block, len(first.Data))
	}

	e.Process(ctx, protocol.BuildACK(1))
	second := mustParse(t, onlyPacket(t, h.out.take(1)))
	if second.Opcode != protocol.OpDATA || second.Block != 2 || !bytes.Equal(second.Data, content[512:]) {
		t.Fatalf("second DATA = %s block %d len %d", second.Opcode, second.Block, len(second.Data))
	}

	e.Process(ctx, protocol.BuildACK(2))
	if sent := h.out.take(1); len(sent) != 0 {
		t.Errorf("ACK of the last block produced %d packets", len(sent))
	}
}

func TestDownloadMissingFile(t *testing.T) {
	h := newHarness()
	e := h.engine(1)
	login(t, h, e, "alice")

	e.Process(context.Background(), protocol.BuildRequest(protocol.OpRRQ, "nope"))
	expectError(t, h.out.take(1), protocol.ErrFileNotFound)
}

func TestDirectoryListing(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.store.Create(ctx, "b.txt", []byte("b"))
	_ = h.store.Create(ctx, "a.txt", []byte("a"))
	e := h.engine(1)
	login(t, h, e, "alice")

	e.Process(ctx, protocol.BuildBare(protocol.OpDIRQ))
	sent := h.out.take(1)
	payload, err := protocol.Reassemble(sent)
	if err != nil {
		t.Fatal(err)
	}
	names := protocol.SplitNames(payload)
	if len(names) != 2 || names[0] != "a.txt" || names[1] != "b.txt" {
		t.Errorf("names = %v", names)
	}

	e.Process(ctx, protocol.BuildACK(1))
	if sent := h.out.take(1); len(sent) != 0 {
		t.Errorf("ACK after listing produced %d packets", len(sent))
	}
}

func TestEmptyDirectoryListing(t *testing.T) {
	h := newHarness()
	e := h.engine(1)
	login(t, h, e, "alice")

	e.Process(context.Background(), protocol.BuildBare(protocol.OpDIRQ))
	msg := mustParse(t, onlyPacket(t, h.out.take(1)))
	if msg.Opcode != protocol.OpDATA || msg.Block != 1 || len(msg.Data) != 0 {
		t.Errorf("got %s block %d len %d, want empty DATA 1", msg.Opcode, msg.Block, len(msg.Data))
	}
}

func TestDelete(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.store.Create(ctx, "a.txt", []byte("a"))
	alice := h.engine(1)
	bob := h.engine(2)
	login(t, h, alice, "alice")
	login(t, h, bob, "bob")

	alice.Process(ctx, protocol.BuildRequest(protocol.OpDELRQ, "a.txt"))
	sent := h.out.take(1)
	if len(sent) != 2 {
		t.Fatalf("got %d packets, want ACK and BCAST", len(sent))
	}
	if msg := mustParse(t, sent[0]); msg.Opcode != protocol.OpACK || msg.Block != 0 {
		t.Errorf("first = %s %d, want ACK 0", msg.Opcode, msg.Block)
	}
	msg := mustParse(t, onlyPacket(t, h.out.take(2)))
	if msg.Opcode != protocol.OpBCAST || msg.Added || msg.Name != "a.txt" {
		t.Errorf("broadcast = %+v", msg)
	}

	alice.Process(ctx, protocol.BuildRequest(protocol.OpDELRQ, "a.txt"))
	expectError(t, h.out.take(1), protocol.ErrFileNotFound)
	if sent := h.out.take(2); len(sent) != 0 {
		t.Errorf("failed delete broadcast %d packets", len(sent))
	}
}

func TestIllegalFileNames(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	e := h.engine(1)
	login(t, h, e, "alice")

	for _, op := range []protocol.Opcode{protocol.OpRRQ, protocol.OpWRQ, protocol.OpDELRQ} {
		e.Process(ctx, protocol.BuildRequest(op, "../etc/passwd"))
		msg := expectError(t, h.out.take(1), protocol.ErrNotDefined)
		if msg.ErrorMsg != "Illegal file name" {
			t.Errorf("%s: message = %q", op, msg.ErrorMsg)
		}
	}
}

func TestClientBroadcastAndStrayData(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	e := h.engine(1)
	login(t, h, e, "alice")

	e.Process(ctx, protocol.BuildBcast(true, "a.txt"))
	expectError(t, h.out.take(1), protocol.ErrIllegalOperation)

	e.Process(ctx, protocol.BuildData(1, []byte("x")))
	expectError(t, h.out.take(1), protocol.ErrIllegalOperation)

	e.Process(ctx, []byte{0x00, 0x04, 0x00})
	expectError(t, h.out.take(1), protocol.ErrIllegalOperation)

	e.Process(ctx, protocol.BuildError(protocol.ErrFileNotFound, "peer says"))
	if sent := h.out.take(1); len(sent) != 0 {
		t.Errorf("peer ERROR produced %d packets", len(sent))
	}
}

func TestDisconnectFreesUsername(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	first := h.engine(1)
	login(t, h, first, "alice")

	first.Process(ctx, protocol.BuildBare(protocol.OpDISC))
	expectACK(t, h.out.take(1), 0)
	if !first.ShouldTerminate() {
		t.Fatal("DISC did not terminate the session")
	}

	first.Process(ctx, protocol.BuildBare(protocol.OpDIRQ))
	if sent := h.out.take(1); len(sent) != 0 {
		t.Errorf("terminated session answered with %d packets", len(sent))
	}

	second := h.engine(2)
	login(t, h, second, "alice")
}

func TestLogoutLogsUserOnce(t *testing.T) {
	h := newHarness()
	var buf bytes.Buffer
	e := h.engine(1)
	e.logger = zerolog.New(&buf)
	login(t, h, e, "alice")

	e.Process(context.Background(), protocol.BuildBare(protocol.OpDISC))
	expectACK(t, h.out.take(1), 0)

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "user logged out") {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("no logout line in %q", buf.String())
	}
	if n := strings.Count(line, `"user":`); n != 1 {
		t.Errorf("user field appears %d times: %s", n, line)
	}
}

func TestCloseWithoutDisconnect(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	e := h.engine(1)
	login(t, h, e, "alice")

	e.Close(ctx)
	e.Close(ctx)
	if h.reg.IsLoggedIn("alice") {
		t.Error("Close kept the login")
	}
}

func TestConcurrentLoginOnlyOneWins(t *testing.T) {
	h := newHarness()
	const clients = 32

	var acks atomic.Int32
	var wg sync.WaitGroup
	for i := 1; i <= clients; i++ {
		e := h.engine(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Process(context.Background(), protocol.BuildRequest(protocol.OpLOGRQ, "same"))
		}()
	}
	wg.Wait()

	for i := 1; i <= clients; i++ {
		msg := mustParse(t, onlyPacket(t, h.out.take(i)))
		switch {
		case msg.Opcode == protocol.OpACK:
			acks.Add(1)
		case msg.Opcode == protocol.OpERROR && msg.ErrorCode == protocol.ErrAlreadyLoggedIn:
		default:
			t.Errorf("conn %d got %+v", i, msg)
		}
	}
	if acks.Load() != 1 {
		t.Errorf("%d logins succeeded, want 1", acks.Load())
	}
}

// A peer that never ACKs keeps its download parked: nothing beyond the
// first block is sent and no timer retransmits it.
func TestStalledDownloadWaitsForAck(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.store.Create(ctx, "big", bytes.Repeat([]byte{1}, 4*protocol.BlockSize))
	e := h.engine(1)
	login(t, h, e, "alice")

	e.Process(ctx, protocol.BuildRequest(protocol.OpRRQ, "big"))
	if sent := h.out.take(1); len(sent) != 1 {
		t.Fatalf("got %d packets before any ACK, want 1", len(sent))
	}
	if len(e.outbound) != 4 {
		t.Errorf("queued %d packets, want 4", len(e.outbound))
	}
}
