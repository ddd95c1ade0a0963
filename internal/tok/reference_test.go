package tok_test

import (
	"testing"

	"github.com/screenager/sift-infer/internal/runtime"
	"github.com/screenager/sift-infer/internal/tok"
)

func runtimeTokenID(b byte) runtime.TokenID { return runtime.TokenID(b) }

func TestTokenizeWithoutBOS(t *testing.T) {
	rt := tok.NewReferenceTokenizer()
	pieces, err := rt.Tokenize("ab", false)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if len(pieces) != 2 {
		t.Fatalf("len(pieces): got %d, want 2", len(pieces))
	}
	if pieces[0].ID != 'a' || pieces[1].ID != 'b' {
		t.Fatalf("unexpected ids: %v %v", pieces[0].ID, pieces[1].ID)
	}
}

func TestTokenizePrependsBOS(t *testing.T) {
	rt := tok.NewReferenceTokenizer()
	pieces, err := rt.Tokenize("a", true)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if len(pieces) != 2 {
		t.Fatalf("len(pieces): got %d, want 2", len(pieces))
	}
	if pieces[0].ID != rt.BOSID {
		t.Fatalf("first piece id: got %d, want BOSID %d", pieces[0].ID, rt.BOSID)
	}
}

func TestTokenBytesRoundTrip(t *testing.T) {
	rt := tok.NewReferenceTokenizer()
	for _, b := range []byte("hello world") {
		got := rt.TokenBytes(runtimeTokenID(b))
		if len(got) != 1 || got[0] != b {
			t.Fatalf("TokenBytes(%d): got %v, want [%d]", b, got, b)
		}
	}
}

func TestTokenBytesSpecialIDsAreNil(t *testing.T) {
	rt := tok.NewReferenceTokenizer()
	if b := rt.TokenBytes(rt.BOSID); b != nil {
		t.Fatalf("TokenBytes(BOSID): got %v, want nil", b)
	}
	if b := rt.TokenBytes(rt.EOTID); b != nil {
		t.Fatalf("TokenBytes(EOTID): got %v, want nil", b)
	}
}
