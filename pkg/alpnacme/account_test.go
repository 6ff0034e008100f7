package alpnacme

import (
	"encoding/json"
	"net/http"
	"testing"
)

func testDirectory() *Directory {
	return &Directory{
		NewAccount: "https://ca.test/acme/new-account",
		NewNonce:   "https://ca.test/acme/new-nonce",
		NewOrder:   "https://ca.test/acme/new-order",
		KeyChange:  "https://ca.test/acme/key-change",
	}
}

func locationResponse(status int, wire accountWire) *fakeResponse {
	h := http.Header{}
	h.Set("Location", "https://ca.test/acme/acct/1")
	return jsonResponse(status, h, wire)
}

func TestNewAccountSuccess(t *testing.T) {
	dir := testDirectory()
	tr := newFakeTransport()
	tr.on(dir.NewAccount, func(method string) (Response, error) {
		return locationResponse(http.StatusCreated, accountWire{Status: "valid"}), nil
	})

	acct, err := NewAccount(tr, dir, "admin@example.test")
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	if acct.URL() != "https://ca.test/acme/acct/1" {
		t.Fatalf("unexpected account url %q", acct.URL())
	}
}

func TestNewAccountRejectsNonValidStatus(t *testing.T) {
	dir := testDirectory()
	tr := newFakeTransport()
	tr.on(dir.NewAccount, func(method string) (Response, error) {
		return locationResponse(http.StatusCreated, accountWire{Status: "pending"}), nil
	})

	if _, err := NewAccount(tr, dir, "admin@example.test"); err == nil {
		t.Fatalf("expected error for non-valid account status")
	}
}

// serializeFreshAccount builds a new account and its serialized form,
// for tests exercising LoadAccount's fallback branches.
func serializeFreshAccount(t *testing.T) (*Directory, []byte) {
	t.Helper()
	dir := testDirectory()
	tr := newFakeTransport()
	tr.on(dir.NewAccount, func(method string) (Response, error) {
		return locationResponse(http.StatusCreated, accountWire{Status: "valid"}), nil
	})
	acct, err := NewAccount(tr, dir, "admin@example.test")
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	serialized, err := acct.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return dir, serialized
}

func TestLoadAccountOKBranch(t *testing.T) {
	dir, serialized := serializeFreshAccount(t)
	tr := newFakeTransport()
	tr.on(dir.NewAccount, func(method string) (Response, error) {
		return jsonResponse(http.StatusOK, nil, accountWire{Status: "valid"}), nil
	})
	tr.on("https://ca.test/acme/acct/1", func(method string) (Response, error) {
		return jsonResponse(http.StatusOK, nil, accountWire{Status: "valid"}), nil
	})

	acct, err := LoadAccount(tr, dir, serialized, "admin@example.test")
	if err != nil {
		t.Fatalf("LoadAccount: %v", err)
	}
	if acct.URL() != "https://ca.test/acme/acct/1" {
		t.Fatalf("unexpected url %q", acct.URL())
	}
}

func TestLoadAccountForbiddenBranchReagreesTerms(t *testing.T) {
	dir, serialized := serializeFreshAccount(t)
	tr := newFakeTransport()
	tr.on(dir.NewAccount, func(method string) (Response, error) {
		return jsonResponse(http.StatusForbidden, nil, accountWire{Status: "valid"}), nil
	})
	tr.on("https://ca.test/acme/acct/1", func(method string) (Response, error) {
		return jsonResponse(http.StatusOK, nil, accountWire{Status: "valid"}), nil
	})

	acct, err := LoadAccount(tr, dir, serialized, "admin@example.test")
	if err != nil {
		t.Fatalf("LoadAccount (403 branch): %v", err)
	}
	if acct.URL() != "https://ca.test/acme/acct/1" {
		t.Fatalf("unexpected url %q", acct.URL())
	}
}

func TestLoadAccountNotFoundBranchReregisters(t *testing.T) {
	dir, serialized := serializeFreshAccount(t)
	tr := newFakeTransport()
	callCount := 0
	tr.on(dir.NewAccount, func(method string) (Response, error) {
		callCount++
		if callCount == 1 {
			return jsonResponse(http.StatusNotFound, nil, accountWire{}), nil
		}
		return locationResponse(http.StatusCreated, accountWire{Status: "valid"}), nil
	})

	acct, err := LoadAccount(tr, dir, serialized, "admin@example.test")
	if err != nil {
		t.Fatalf("LoadAccount (404 branch): %v", err)
	}
	if acct.URL() == "" {
		t.Fatalf("expected a fresh account url")
	}
}

func TestLoadAccountUnexpectedStatusFails(t *testing.T) {
	dir, serialized := serializeFreshAccount(t)
	tr := newFakeTransport()
	tr.on(dir.NewAccount, func(method string) (Response, error) {
		return jsonResponse(http.StatusInternalServerError, nil, accountWire{}), nil
	})

	if _, err := LoadAccount(tr, dir, serialized, "admin@example.test"); err == nil {
		t.Fatalf("expected error for unexpected onlyReturnExisting status")
	}
}

// TestUpdateKeyRotatesPreservingURL covers spec.md §8 Scenario 3: after
// key rollover, the account URL is unchanged and the new key can
// authenticate a POST-as-GET against it.
func TestUpdateKeyRotatesPreservingURL(t *testing.T) {
	dir, serialized := serializeFreshAccount(t)
	tr := newFakeTransport()
	tr.on(dir.NewAccount, func(method string) (Response, error) {
		return jsonResponse(http.StatusOK, nil, accountWire{Status: "valid"}), nil
	})
	tr.on("https://ca.test/acme/acct/1", func(method string) (Response, error) {
		return jsonResponse(http.StatusOK, nil, accountWire{Status: "valid"}), nil
	})
	acct, err := LoadAccount(tr, dir, serialized, "admin@example.test")
	if err != nil {
		t.Fatalf("LoadAccount: %v", err)
	}

	tr.on(dir.KeyChange, func(method string) (Response, error) {
		return &fakeResponse{status: http.StatusOK}, nil
	})

	rotated, err := acct.UpdateKey(tr, dir)
	if err != nil {
		t.Fatalf("UpdateKey: %v", err)
	}
	if rotated.URL() != acct.URL() {
		t.Fatalf("expected url preserved across rollover, got %q vs %q", rotated.URL(), acct.URL())
	}

	tr.on(acct.URL(), func(method string) (Response, error) {
		return jsonResponse(http.StatusOK, nil, accountWire{Status: "valid"}), nil
	})
	if _, err := rotated.postAsGet(tr, dir, acct.URL()); err != nil {
		t.Fatalf("post-as-get with rotated key: %v", err)
	}
}

func TestAccountSerializeRoundTrip(t *testing.T) {
	_, serialized := serializeFreshAccount(t)

	var s accountSerialized
	if err := json.Unmarshal(serialized, &s); err != nil {
		t.Fatalf("unmarshal serialized account: %v", err)
	}
	if s.URL != "https://ca.test/acme/acct/1" {
		t.Fatalf("unexpected url in round-tripped form: %q", s.URL)
	}
	if s.PKCS8 == "" {
		t.Fatalf("expected non-empty pkcs8")
	}
}
