package alpnacme

import (
	"net/http"
	"testing"
)

// TestProcessAuthorizationsInvalidStatusFails covers spec.md §8 Scenario
// 5: an authorization in a terminal non-valid status fails the call
// with KindInvalidAuthorization, and no resolver entry is left holding
// a challenge key installed by this call.
func TestProcessAuthorizationsInvalidStatusFails(t *testing.T) {
	tr := newFakeTransport()
	account := testAccountMaterial(t)

	authURL := "https://ca.test/acme/authz/1"
	tr.on(authURL, func(method string) (Response, error) {
		return jsonResponse(http.StatusOK, nil, authorization{
			Identifier: identifier{Type: "dns", Value: "example.test"},
			Status:     "invalid",
		}), nil
	})

	a := newTestAcme(tr, nil, []string{"example.test"})
	err := a.processAuthorizations(account, []string{authURL}, []string{"example.test"})
	if err == nil {
		t.Fatalf("expected error for invalid authorization status")
	}
	acmeErr, ok := err.(*Error)
	if !ok || acmeErr.Kind != KindInvalidAuthorization {
		t.Fatalf("expected KindInvalidAuthorization, got %v", err)
	}

	entry := a.resolver.existing(normalizeName("example.test"))
	if entry.ChallengeKey != nil {
		t.Fatalf("expected no challenge key left installed after failure")
	}
}

func TestProcessAuthorizationsSkipsAlreadyValid(t *testing.T) {
	tr := newFakeTransport()
	account := testAccountMaterial(t)

	authURL := "https://ca.test/acme/authz/1"
	tr.on(authURL, func(method string) (Response, error) {
		return jsonResponse(http.StatusOK, nil, authorization{
			Identifier: identifier{Type: "dns", Value: "example.test"},
			Status:     "valid",
		}), nil
	})

	a := newTestAcme(tr, nil, []string{"example.test"})
	if err := a.processAuthorizations(account, []string{authURL}, []string{"example.test"}); err != nil {
		t.Fatalf("expected already-valid authorization to be skipped without error: %v", err)
	}
}

// TestProcessAuthorizationsInstallsAndRevertsOnImmediateValid covers the
// case where notifyChallenge's own response already reports "valid":
// the challenge key must still be reverted before processAuthorizations
// returns (spec §4.4 step 5).
func TestProcessAuthorizationsInstallsAndRevertsOnImmediateValid(t *testing.T) {
	tr := newFakeTransport()
	account := testAccountMaterial(t)

	authURL := "https://ca.test/acme/authz/1"
	challengeURL := "https://ca.test/acme/chall/1"

	tr.on(authURL, func(method string) (Response, error) {
		return jsonResponse(http.StatusOK, nil, authorization{
			Identifier: identifier{Type: "dns", Value: "example.test"},
			Status:     "pending",
			Challenges: []challenge{{Type: challengeTypeTLSALPN01, URL: challengeURL, Token: "tok-1"}},
		}), nil
	})
	tr.on(challengeURL, func(method string) (Response, error) {
		return jsonResponse(http.StatusOK, nil, challenge{Type: challengeTypeTLSALPN01, URL: challengeURL, Status: "valid"}), nil
	})

	a := newTestAcme(tr, nil, []string{"example.test"})
	if err := a.processAuthorizations(account, []string{authURL}, []string{"example.test"}); err != nil {
		t.Fatalf("processAuthorizations: %v", err)
	}

	entry := a.resolver.existing(normalizeName("example.test"))
	if entry.ChallengeKey != nil {
		t.Fatalf("expected challenge key reverted after immediate valid status")
	}
}

func TestProcessAuthorizationsMissingTLSALPNChallengeFails(t *testing.T) {
	tr := newFakeTransport()
	account := testAccountMaterial(t)

	authURL := "https://ca.test/acme/authz/1"
	tr.on(authURL, func(method string) (Response, error) {
		return jsonResponse(http.StatusOK, nil, authorization{
			Identifier: identifier{Type: "dns", Value: "example.test"},
			Status:     "pending",
			Challenges: []challenge{{Type: "http-01", URL: "https://ca.test/acme/chall/1"}},
		}), nil
	})

	a := newTestAcme(tr, nil, []string{"example.test"})
	if err := a.processAuthorizations(account, []string{authURL}, []string{"example.test"}); err == nil {
		t.Fatalf("expected failure when no tls-alpn-01 challenge is offered")
	}
}
