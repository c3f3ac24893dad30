package trust

import (
	"strings"
	"testing"

	"mi-e2ee/core/internal/coreerr"
	"mi-e2ee/core/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st)
}

// TestDeriveSASZeroFingerprint checks the shape of the SAS derived for the
// all-zero fingerprint (24 chars, a hyphen at every fifth position),
// guarding against accidental changes to the truncation length or grouping.
func TestDeriveSASZeroFingerprint(t *testing.T) {
	var fp [32]byte
	sas := DeriveSAS(fp)
	if len(sas) != 24 {
		t.Fatalf("expected 24-char SAS (20 hex + 4 hyphens), got %d: %q", len(sas), sas)
	}
	for i, c := range sas {
		if i%5 == 4 {
			if c != '-' {
				t.Errorf("expected hyphen at index %d, got %q", i, c)
			}
		}
	}
}

func TestServerTOFUFlow(t *testing.T) {
	e := newTestEngine(t)
	var fp [32]byte
	fp[0] = 0x42

	err := e.EvaluateServer("chat.example:443", fp)
	if coreerr.KindOf(err) != coreerr.KindTrustRequiredServer {
		t.Fatalf("expected TrustRequired(server), got %v", err)
	}
	if !e.HasPendingServer() {
		t.Fatal("expected pending server trust")
	}
	pend, ok := e.PendingServer()
	if !ok {
		t.Fatal("expected PendingServer to return ok=true")
	}
	if pend.Fingerprint != fp {
		t.Error("pending fingerprint mismatch")
	}
	if len(pend.PinSas) != 24 {
		t.Errorf("expected 24-char pin_sas, got %q", pend.PinSas)
	}

	if err := e.TrustPendingServer("wrong-sas-value"); coreerr.KindOf(err) != coreerr.KindSasMismatch {
		t.Fatalf("expected SasMismatch for wrong input, got %v", err)
	}
	if !e.HasPendingServer() {
		t.Fatal("pending prompt should survive a failed SAS attempt")
	}

	if err := e.TrustPendingServer(pend.PinSas); err != nil {
		t.Fatalf("TrustPendingServer with correct SAS: %v", err)
	}
	if e.HasPendingServer() {
		t.Fatal("expected pending to clear after successful trust")
	}

	// Idempotent replay.
	if err := e.TrustPendingServer(pend.PinSas); err != nil {
		t.Fatalf("idempotent replay should succeed, got %v", err)
	}

	// Next evaluation with the same fingerprint passes without prompting.
	if err := e.EvaluateServer("chat.example:443", fp); err != nil {
		t.Fatalf("expected no error for already-pinned fingerprint, got %v", err)
	}
}

func TestServerSASCaseAndHyphenInsensitive(t *testing.T) {
	e := newTestEngine(t)
	var fp [32]byte
	fp[0] = 0x99

	_ = e.EvaluateServer("svc:1:443", fp)
	pend, _ := e.PendingServer()
	mangled := normalizeSAS(pend.PinSas)
	// Reinsert hyphens in a different grouping and uppercase half of it to
	// prove both case and hyphen placement are ignored.
	upper := strings.ToUpper(mangled[:4]) + "-" + strings.ToUpper(mangled[4:10]) + mangled[10:]
	if err := e.TrustPendingServer(upper); err != nil {
		t.Fatalf("expected hyphen/case-insensitive match to succeed: %v", err)
	}
}

func TestPeerTOFUFlow(t *testing.T) {
	e := newTestEngine(t)
	var pub, fp [32]byte
	pub[0] = 0x01
	fp[0] = 0x02

	err := e.EvaluatePeer("alice", pub, fp)
	if coreerr.KindOf(err) != coreerr.KindTrustRequiredPeer {
		t.Fatalf("expected TrustRequired(peer), got %v", err)
	}
	pend, ok := e.PendingPeer()
	if !ok {
		t.Fatal("expected pending peer trust")
	}
	if err := e.TrustPendingPeer(pend.PinSas); err != nil {
		t.Fatalf("TrustPendingPeer: %v", err)
	}
	if err := e.EvaluatePeer("alice", pub, fp); err != nil {
		t.Fatalf("expected no error once pinned, got %v", err)
	}
}

func TestPendingSlotRejectsConcurrentDifferentPrompt(t *testing.T) {
	e := newTestEngine(t)
	var fp1, fp2 [32]byte
	fp1[0], fp2[0] = 0x01, 0x02

	_ = e.EvaluateServer("a:1", fp1)
	err := e.EvaluateServer("b:2", fp2)
	if coreerr.KindOf(err) != coreerr.KindBusy {
		t.Fatalf("expected Busy for a second distinct pending prompt, got %v", err)
	}
}
