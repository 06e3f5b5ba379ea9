package account

import "testing"

func TestHashKey(t *testing.T) {
	a := HashKey("nxk_secret-one")
	b := HashKey("nxk_secret-one")
	c := HashKey("nxk_secret-two")

	if a != b {
		t.Error("hashing must be deterministic")
	}
	if a == c {
		t.Error("distinct keys must hash differently")
	}
	if a == "nxk_secret-one" {
		t.Error("hash must not equal the raw key")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestAPIKey_BinaryRoundTrip(t *testing.T) {
	key := &APIKey{ID: "k-1", AccountID: "a-1", KeyHash: HashKey("nxk_x"), Active: true}

	data, err := key.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	var got APIKey
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}
	if got.ID != key.ID || got.KeyHash != key.KeyHash || !got.Active {
		t.Errorf("round trip lost fields: %+v", got)
	}
}
