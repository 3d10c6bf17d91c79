package wsproto

import (
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/engineerr"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/identity"
)

func TestBinaryFunctionCallRoundTrips(t *testing.T) {
	msg := &ClientMessage{FunctionCall: &FunctionCall{Reducer: "add", Args: []byte{1, 2, 3}}}
	b := EncodeBinaryClientMessage(msg)
	got, err := DecodeBinaryClientMessage(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.FunctionCall == nil || got.FunctionCall.Reducer != "add" || len(got.FunctionCall.Args) != 3 {
		t.Fatalf("unexpected decode: %+v", got.FunctionCall)
	}
}

func TestBinarySubscribeRoundTrips(t *testing.T) {
	msg := &ClientMessage{Subscribe: &Subscribe{QueryStrings: []string{"SELECT * FROM a", "SELECT * FROM b"}}}
	b := EncodeBinaryClientMessage(msg)
	got, err := DecodeBinaryClientMessage(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Subscribe.QueryStrings) != 2 {
		t.Fatalf("unexpected queries: %v", got.Subscribe.QueryStrings)
	}
}

func TestDecodeBinaryClientMessageRejectsEmpty(t *testing.T) {
	if _, err := DecodeBinaryClientMessage(nil); err == nil {
		t.Fatalf("expected error for empty frame")
	}
}

func TestDecodeBinaryFunctionCallRequiresReducerName(t *testing.T) {
	b := EncodeBinaryClientMessage(&ClientMessage{FunctionCall: &FunctionCall{Args: []byte{1}}})
	if _, err := DecodeBinaryClientMessage(b); err == nil {
		t.Fatalf("expected error for missing reducer name")
	}
}

func TestTextFunctionCallDecodes(t *testing.T) {
	b := []byte(`{"FunctionCall":{"reducer":"add","args":[1,2,3]}}`)
	msg, err := DecodeTextClientMessage(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.FunctionCall == nil || msg.FunctionCall.Reducer != "add" {
		t.Fatalf("unexpected decode: %+v", msg)
	}
}

func TestTextSubscribeDecodes(t *testing.T) {
	b := []byte(`{"Subscribe":{"query_strings":["SELECT * FROM person"]}}`)
	msg, err := DecodeTextClientMessage(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msg.Subscribe.QueryStrings) != 1 {
		t.Fatalf("unexpected queries: %v", msg.Subscribe.QueryStrings)
	}
}

func TestTextClientMessageRejectsEmptyEnvelope(t *testing.T) {
	if _, err := DecodeTextClientMessage([]byte(`{}`)); err == nil {
		t.Fatalf("expected error for envelope naming neither variant")
	}
}

func TestEncodeTextIdentityToken(t *testing.T) {
	var id identity.Identity
	id[0] = 0xAB
	sm := &ServerMessage{IdentityToken: &IdentityTokenMsg{Identity: id, Token: "tok"}}
	b, err := EncodeTextServerMessage(sm)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !contains(b, []byte(`"token":"tok"`)) {
		t.Fatalf("expected token in output: %s", b)
	}
}

func TestEncodeTextErrorMsg(t *testing.T) {
	sm := &ServerMessage{Error: &ErrorMsg{Kind: string(engineerr.NotSubscribed), Message: "query on private table"}}
	b, err := EncodeTextServerMessage(sm)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !contains(b, []byte(`"kind":"NotSubscribed"`)) {
		t.Fatalf("expected kind in output: %s", b)
	}
	if !contains(b, []byte(`"message":"query on private table"`)) {
		t.Fatalf("expected message in output: %s", b)
	}
	if contains(b, []byte(`"IdentityToken"`)) {
		t.Fatalf("unrelated variants must stay omitted: %s", b)
	}
}

// TestEncodeBinaryErrorMsg hand-parses the protowire tags rather than
// round-tripping through a decode helper: the server only ever decodes
// ClientMessages, there is no DecodeBinaryServerMessage.
func TestEncodeBinaryErrorMsg(t *testing.T) {
	sm := &ServerMessage{Error: &ErrorMsg{Kind: string(engineerr.NotSubscribed), Message: "nope"}}
	b := EncodeBinaryServerMessage(sm)

	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 || num != smFieldError || typ != protowire.BytesType {
		t.Fatalf("expected top-level Error field tag, got num=%d typ=%v n=%d", num, typ, n)
	}
	inner, n := protowire.ConsumeBytes(b[n:])
	if n < 0 {
		t.Fatalf("truncated Error payload")
	}

	num, typ, n = protowire.ConsumeTag(inner)
	if n < 0 || num != errFieldKind || typ != protowire.BytesType {
		t.Fatalf("expected kind field tag, got num=%d typ=%v n=%d", num, typ, n)
	}
	inner = inner[n:]
	kind, n := protowire.ConsumeBytes(inner)
	if n < 0 || string(kind) != string(engineerr.NotSubscribed) {
		t.Fatalf("unexpected kind bytes: %q", kind)
	}
	inner = inner[n:]

	num, typ, n = protowire.ConsumeTag(inner)
	if n < 0 || num != errFieldMessage || typ != protowire.BytesType {
		t.Fatalf("expected message field tag, got num=%d typ=%v n=%d", num, typ, n)
	}
	inner = inner[n:]
	msg, n := protowire.ConsumeBytes(inner)
	if n < 0 || string(msg) != "nope" {
		t.Fatalf("unexpected message bytes: %q", msg)
	}
}

func TestHMACAuthenticatorRoundTrips(t *testing.T) {
	a := NewHMACAuthenticator([]byte("test-secret"), "spacetimedb", time.Hour)
	tok, err := a.Issue("my-issuer", "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	issuer, subject, err := a.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if issuer != "my-issuer" || subject != "alice" {
		t.Fatalf("unexpected claims: %s %s", issuer, subject)
	}
}

func TestHMACAuthenticatorRejectsTamperedToken(t *testing.T) {
	a := NewHMACAuthenticator([]byte("test-secret"), "spacetimedb", time.Hour)
	tok, err := a.Issue("my-issuer", "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	other := NewHMACAuthenticator([]byte("different-secret"), "spacetimedb", time.Hour)
	if _, _, err := other.Verify(tok); err == nil {
		t.Fatalf("expected verification to fail with a different secret")
	}
}

func TestResolveIdentityMintsFreshIdentityWhenUnauthenticated(t *testing.T) {
	a := NewHMACAuthenticator([]byte("s"), "spacetimedb", time.Hour)
	id, tok, err := resolveIdentity(a, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tok == "" {
		t.Fatalf("expected a minted token")
	}
	issuer, subject, err := a.Verify(tok)
	if err != nil {
		t.Fatalf("minted token should verify: %v", err)
	}
	if id != deriveFor(issuer, subject) {
		t.Fatalf("identity does not match derivation of minted token's claims")
	}
}

func TestResolveIdentityEchoesValidBearerToken(t *testing.T) {
	a := NewHMACAuthenticator([]byte("s"), "spacetimedb", time.Hour)
	tok, err := a.Issue("my-issuer", "bob")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, echoed, err := resolveIdentity(a, tok)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if echoed != tok {
		t.Fatalf("expected bearer token to be echoed back")
	}
	if id != deriveFor("my-issuer", "bob") {
		t.Fatalf("identity mismatch")
	}
}

func deriveFor(issuer, subject string) identity.Identity {
	return identity.Derive(issuer, subject)
}

func contains(haystack, needle []byte) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
