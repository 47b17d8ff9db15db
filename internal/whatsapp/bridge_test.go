package whatsapp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nugget/suvfin/internal/agent"
	"github.com/nugget/suvfin/internal/finance"
	"github.com/nugget/suvfin/internal/kvstore"
	"github.com/nugget/suvfin/internal/license"
)

type fakeRunner struct {
	mu     sync.Mutex
	reqs   []agent.TurnRequest
	result agent.TurnResult
	panics bool
	done   chan struct{}
}

func (f *fakeRunner) ProcessTurn(_ context.Context, req agent.TurnRequest) agent.TurnResult {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.done != nil {
		defer func() { f.done <- struct{}{} }()
	}
	if f.panics {
		panic("boom")
	}
	return f.result
}

func (f *fakeRunner) calls() []agent.TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.TurnRequest(nil), f.reqs...)
}

type fakeLicenses struct {
	user  *finance.User
	err   error
	valid bool
	offer *license.Offer
}

func (f *fakeLicenses) GetOrCreateUser(_ context.Context, phone, name string) (*finance.User, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	return f.user, false, nil
}

func (f *fakeLicenses) IsValid(*finance.User) bool { return f.valid }

func (f *fakeLicenses) UpgradeOffer(context.Context, string) *license.Offer { return f.offer }

type sentMedia struct {
	to, mime, filename, caption string
	size                        int
}

type fakeMessenger struct {
	mu      sync.Mutex
	texts   []string
	media   []sentMedia
	reads   []string
	textErr error
}

func (f *fakeMessenger) SendText(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return f.textErr
}

func (f *fakeMessenger) SendMedia(_ context.Context, to string, data []byte, mimeType, filename, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, sentMedia{to: to, mime: mimeType, filename: filename, caption: caption, size: len(data)})
	return nil
}

func (f *fakeMessenger) MarkRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, id)
	return nil
}

type bridgeEnv struct {
	bridge    *Bridge
	runner    *fakeRunner
	licenses  *fakeLicenses
	messenger *fakeMessenger
}

func newBridgeEnv(t *testing.T, dedup kvstore.Store) *bridgeEnv {
	t.Helper()
	env := &bridgeEnv{
		runner: &fakeRunner{result: agent.TurnResult{Text: "**Saldo:** R$ 10,00"}},
		licenses: &fakeLicenses{
			user:  &finance.User{ID: "u1", Phone: "5511", Name: "Ana", License: finance.LicenseFreeTrial},
			valid: true,
		},
		messenger: &fakeMessenger{},
	}
	env.bridge = NewBridge(BridgeConfig{
		Runner:        env.runner,
		Licenses:      env.licenses,
		Messenger:     env.messenger,
		Dedup:         dedup,
		Workers:       2,
		Depth:         4,
		HandleTimeout: 5 * time.Second,
	})
	return env
}

func textMessage(id, body string) *InboundMessage {
	return &InboundMessage{From: "5511", Name: "Ana", MessageID: id, Type: agent.TypeText, Content: body}
}

func TestBridge_Answered(t *testing.T) {
	env := newBridgeEnv(t, nil)

	got := env.bridge.handle(context.Background(), textMessage("wamid.1", "qual meu saldo?"))
	if got != JobAnswered {
		t.Fatalf("outcome = %q, want %q", got, JobAnswered)
	}

	reqs := env.runner.calls()
	if len(reqs) != 1 {
		t.Fatalf("turns = %d, want 1", len(reqs))
	}
	want := agent.TurnRequest{UserID: "u1", Phone: "5511", Type: agent.TypeText, Content: "qual meu saldo?", DisplayName: "Ana"}
	if reqs[0] != want {
		t.Errorf("turn request = %+v, want %+v", reqs[0], want)
	}
	if len(env.messenger.reads) != 1 || env.messenger.reads[0] != "wamid.1" {
		t.Errorf("reads = %v", env.messenger.reads)
	}
	if len(env.messenger.texts) != 1 || env.messenger.texts[0] != "*Saldo:* R$ 10,00" {
		t.Errorf("texts = %q, want formatted reply", env.messenger.texts)
	}
}

func TestBridge_Media(t *testing.T) {
	tests := []struct {
		name        string
		mime        string
		wantCaption string
	}{
		{"chart", "image/png", chartCaption},
		{"spreadsheet", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", documentCaption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newBridgeEnv(t, nil)
			env.runner.result = agent.TurnResult{
				Text:          "Aqui está!",
				Media:         []byte("file"),
				MediaMIME:     tt.mime,
				MediaFilename: "relatorio",
			}

			if got := env.bridge.handle(context.Background(), textMessage("m", "exporta")); got != JobAnswered {
				t.Fatalf("outcome = %q", got)
			}
			if len(env.messenger.texts) != 1 {
				t.Errorf("texts = %q, want the reply before the file", env.messenger.texts)
			}
			if len(env.messenger.media) != 1 {
				t.Fatalf("media = %d, want 1", len(env.messenger.media))
			}
			m := env.messenger.media[0]
			if m.caption != tt.wantCaption || m.mime != tt.mime || m.size != 4 {
				t.Errorf("media = %+v", m)
			}
		})
	}
}

func TestBridge_UpgradeOffer(t *testing.T) {
	env := newBridgeEnv(t, nil)
	env.licenses.valid = false
	env.licenses.offer = &license.Offer{Text: "Seu período de teste acabou.", QR: []byte("png")}

	if got := env.bridge.handle(context.Background(), textMessage("m", "oi")); got != JobUpgradeOffer {
		t.Fatalf("outcome = %q, want %q", got, JobUpgradeOffer)
	}
	if n := len(env.runner.calls()); n != 0 {
		t.Errorf("turns = %d, want none for an expired license", n)
	}
	if len(env.messenger.texts) != 1 || env.messenger.texts[0] != "Seu período de teste acabou." {
		t.Errorf("texts = %q", env.messenger.texts)
	}
	if len(env.messenger.media) != 1 || env.messenger.media[0].mime != "image/png" || env.messenger.media[0].caption != qrCaption {
		t.Errorf("media = %+v, want QR image", env.messenger.media)
	}
}

func TestBridge_UpgradeOfferWithoutQR(t *testing.T) {
	env := newBridgeEnv(t, nil)
	env.licenses.valid = false
	env.licenses.offer = &license.Offer{Text: "Assine o SuvFin."}

	env.bridge.handle(context.Background(), textMessage("m", "oi"))
	if len(env.messenger.media) != 0 {
		t.Errorf("media = %+v, want none", env.messenger.media)
	}
	if len(env.messenger.texts) != 1 {
		t.Errorf("texts = %q", env.messenger.texts)
	}
}

func TestBridge_UserLookupFails(t *testing.T) {
	env := newBridgeEnv(t, nil)
	env.licenses.err = errors.New("database is locked")

	if got := env.bridge.handle(context.Background(), textMessage("m", "oi")); got != JobError {
		t.Fatalf("outcome = %q, want %q", got, JobError)
	}
	if len(env.messenger.texts) != 1 || env.messenger.texts[0] != agent.MsgUnexpected {
		t.Errorf("texts = %q, want the generic failure message", env.messenger.texts)
	}
}

func TestBridge_Outcomes(t *testing.T) {
	tests := []struct {
		name   string
		result agent.TurnResult
		want   string
	}{
		{"throttled", agent.TurnResult{Text: agent.MsgThrottled, Throttled: true}, JobThrottled},
		{"failed", agent.TurnResult{Text: agent.MsgProviderError, Failed: true}, JobError},
		{"empty reply", agent.TurnResult{}, JobAnswered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newBridgeEnv(t, nil)
			env.runner.result = tt.result
			if got := env.bridge.handle(context.Background(), textMessage("m", "oi")); got != tt.want {
				t.Errorf("outcome = %q, want %q", got, tt.want)
			}
			if tt.result.Text == "" && len(env.messenger.texts) != 0 {
				t.Errorf("texts = %q, want nothing sent for an empty reply", env.messenger.texts)
			}
		})
	}
}

func TestBridge_SendFailure(t *testing.T) {
	env := newBridgeEnv(t, nil)
	env.messenger.textErr = errors.New("recipient not allowed")
	if got := env.bridge.handle(context.Background(), textMessage("m", "oi")); got != JobError {
		t.Errorf("outcome = %q, want %q", got, JobError)
	}
}

func TestBridge_PanicRecovered(t *testing.T) {
	env := newBridgeEnv(t, nil)
	env.runner.panics = true

	if got := env.bridge.handle(context.Background(), textMessage("m", "oi")); got != JobPanic {
		t.Fatalf("outcome = %q, want %q", got, JobPanic)
	}
	if len(env.messenger.texts) != 1 || env.messenger.texts[0] != agent.MsgUnexpected {
		t.Errorf("texts = %q", env.messenger.texts)
	}
}

func TestBridge_Dedup(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := kvstore.Open(kvstore.Options{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	env := newBridgeEnv(t, store)
	ctx := context.Background()

	if got := env.bridge.handle(ctx, textMessage("wamid.X", "oi")); got != JobAnswered {
		t.Fatalf("first delivery = %q", got)
	}
	if got := env.bridge.handle(ctx, textMessage("wamid.X", "oi")); got != JobDuplicate {
		t.Fatalf("redelivery = %q, want %q", got, JobDuplicate)
	}
	if n := len(env.runner.calls()); n != 1 {
		t.Errorf("turns = %d, want 1", n)
	}
	if ttl := mr.TTL("wa:msg:wamid.X"); ttl != dedupWindow {
		t.Errorf("dedup TTL = %v, want %v", ttl, dedupWindow)
	}

	// A store outage lets messages through.
	mr.Close()
	if got := env.bridge.handle(ctx, textMessage("wamid.X", "oi")); got != JobAnswered {
		t.Errorf("with store down = %q, want %q", got, JobAnswered)
	}
}

func TestBridge_QueueWorkers(t *testing.T) {
	env := newBridgeEnv(t, nil)
	env.runner.done = make(chan struct{}, 4)

	ctx, cancel := context.WithCancel(context.Background())
	env.bridge.Start(ctx)

	for i, id := range []string{"a", "b", "c"} {
		if !env.bridge.Enqueue(textMessage(id, "oi")) {
			t.Fatalf("Enqueue %d rejected", i)
		}
	}
	for range 3 {
		select {
		case <-env.runner.done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for workers")
		}
	}

	cancel()
	env.bridge.Wait()

	if n := len(env.runner.calls()); n != 3 {
		t.Errorf("turns = %d, want 3", n)
	}
}

func TestBridge_QueueFull(t *testing.T) {
	env := newBridgeEnv(t, nil)
	// Workers not started: the queue only fills.
	for i := range 4 {
		if !env.bridge.Enqueue(textMessage("m", "oi")) {
			t.Fatalf("Enqueue %d rejected below capacity", i)
		}
	}
	if env.bridge.Enqueue(textMessage("m", "oi")) {
		t.Error("Enqueue accepted past capacity")
	}
	if d := env.bridge.Depth(); d != 4 {
		t.Errorf("Depth = %d, want 4", d)
	}
}
